package course_archiver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/alanbriolat/course-archiver/generic"
)

var (
	ErrDuplicateProvider = errors.New("duplicate provider name")
	ErrInvalidProvider   = errors.New("invalid provider")
	ErrUnknownProvider   = errors.New("unknown provider")
)

var (
	PriorityHighest int16 = math.MinInt16
	PriorityDefault int16 = 0
	PriorityLowest  int16 = math.MaxInt16
)

// A MatchFunc returns a Source if it recognises the item, or an error saying why not.
type MatchFunc = func(ContentItem) (Source, error)

// A Provider matches any ContentItem its backend knows how to handle.
type Provider struct {
	Name    string
	Backend Backend
	Match   MatchFunc
	// Priority of the matcher, lower (including negative) means matching earlier.
	Priority int16
}

func (p Provider) WithPriority(priority int16) Provider {
	p.Priority = priority
	return p
}

// A Match is the result of classifying a ContentItem.
type Match struct {
	ProviderName string
	Source       Source
	// Err explains why no provider matched, for unknown matches.
	Err error
}

func (m *Match) Backend() Backend {
	return m.Source.Backend()
}

// A ProviderRegistry classifies ContentItems into backends, trying each Provider in priority order.
type ProviderRegistry struct {
	providers   []*Provider
	providerMap map[string]*Provider
}

// Add registers a Provider. Provider.Name, Provider.Backend and Provider.Match must be set, and Provider.Name must be
// unique within the ProviderRegistry.
func (r *ProviderRegistry) Add(p Provider) error {
	if r.providerMap == nil {
		r.providerMap = make(map[string]*Provider)
	}
	if p.Name == "" || p.Match == nil || p.Backend == "" || p.Backend == BackendUnknown {
		return ErrInvalidProvider
	}
	if _, ok := r.providerMap[p.Name]; ok {
		return ErrDuplicateProvider
	}
	r.providerMap[p.Name] = &p
	r.providers = append(r.providers, r.providerMap[p.Name])
	r.sortByPriority()
	return nil
}

// List returns the names of registered providers in priority order.
func (r *ProviderRegistry) List() []string {
	names := make([]string, 0, len(r.providers))
	for _, p := range r.providers {
		names = append(names, p.Name)
	}
	return names
}

// Match classifies the item. It never fails: an item no provider recognises gets an unknown-backend Match whose
// Source refuses to resolve with ErrUnsupportedBackend.
func (r *ProviderRegistry) Match(item ContentItem) *Match {
	var result error
	for _, p := range r.providers {
		source, err := p.Match(item)
		if source != nil && err == nil {
			return &Match{ProviderName: p.Name, Source: source}
		}
		if err != nil {
			result = multierror.Append(result, multierror.Prefix(err, fmt.Sprintf("[%v]", p.Name)))
		}
	}
	return &Match{
		ProviderName: string(BackendUnknown),
		Source:       unknownSource{},
		Err:          result,
	}
}

// Resolve is a shortcut for matching the item and resolving its Source.
func (r *ProviderRegistry) Resolve(ctx context.Context, s Session, item ContentItem) (*Match, *MediaDescriptor, error) {
	match := r.Match(item)
	d, err := match.Source.Resolve(ctx, s)
	return match, d, err
}

// MustAdd wraps Add but panics if there is an error.
func (r *ProviderRegistry) MustAdd(p Provider) {
	generic.Unwrap_(r.Add(p))
}

func (r *ProviderRegistry) sortByPriority() {
	sort.SliceStable(r.providers, func(i, j int) bool {
		return r.providers[i].Priority < r.providers[j].Priority
	})
}

var DefaultProviderRegistry ProviderRegistry

type unknownSource struct{}

func (unknownSource) Backend() Backend {
	return BackendUnknown
}

func (unknownSource) Resolve(context.Context, Session) (*MediaDescriptor, error) {
	return &MediaDescriptor{Backend: BackendUnknown}, &ResolutionError{Backend: BackendUnknown, Err: ErrUnsupportedBackend}
}

func (unknownSource) Open(context.Context, Session, *MediaDescriptor, int64) (*Stream, error) {
	return nil, &ResolutionError{Backend: BackendUnknown, Err: ErrUnsupportedBackend}
}
