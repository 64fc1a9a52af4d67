package util

import (
	"testing"

	assert_ "github.com/stretchr/testify/assert"
)

func TestFilenameFromURLString(t *testing.T) {
	assert := assert_.New(t)

	name, err := FilenameFromURLString("https://cdn.example.com/files/slides.pdf?sig=abc")
	assert.NoError(err)
	assert.Equal("slides.pdf", name)

	_, err = FilenameFromURLString("https://cdn.example.com/")
	assert.ErrorIs(err, ErrNoFilename)

	_, err = FilenameFromURLString("https://cdn.example.com/files/..")
	assert.ErrorIs(err, ErrNoFilename)
}

func TestExt(t *testing.T) {
	assert := assert_.New(t)
	assert.Equal("pdf", Ext("Slides.PDF"))
	assert.Equal("", Ext("no extension"))
	assert.Equal("", Ext("Aula 1. Introdução"))
	assert.Equal("", Ext("archive.tar-gz-backup"))
	assert.Equal("zip", ExtFromURLString("https://x.test/a/b/material.zip"))
	assert.Equal("", ExtFromURLString("https://x.test/"))
}
