// Package providers registers every media backend with course_archiver.DefaultProviderRegistry.
package providers

import (
	_ "github.com/alanbriolat/course-archiver/provider/direct"
	_ "github.com/alanbriolat/course-archiver/provider/inline"
	_ "github.com/alanbriolat/course-archiver/provider/vimeo"
	_ "github.com/alanbriolat/course-archiver/provider/youtube"
)
