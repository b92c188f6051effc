package store

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/freeeve/retrograde/internal/errs"
)

// Backend kinds known to the registry.
const (
	KindMemory    = "memory"
	KindFile      = "file"
	KindArchive   = "archive"
	KindComposite = "composite"
)

// Options select and parameterise a backend.
type Options struct {
	Kind     string
	Path     string
	Shards   int
	ReadOnly bool
}

// Backend creates and opens stores of one kind. Either function may be nil
// when the kind does not support it.
type Backend struct {
	Create func(hdr *Header, opts Options) (Store, error)
	Open   func(opts Options) (Store, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Backend{}
)

// Register makes a backend available under kind.
func Register(kind string, b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = b
}

// Kinds lists the registered backend kinds.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func lookup(kind string) (Backend, error) {
	registryMu.RLock()
	b, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return Backend{}, errs.Config("store: backend", "unknown kind %q (have %s)", kind, strings.Join(Kinds(), ", "))
	}
	return b, nil
}

// Create builds a new store of opts.Kind for hdr.
func Create(hdr *Header, opts Options) (Store, error) {
	b, err := lookup(opts.Kind)
	if err != nil {
		return nil, err
	}
	if b.Create == nil {
		return nil, errs.Config("store: backend", "%s stores cannot be created directly", opts.Kind)
	}
	return b.Create(hdr, opts)
}

// Open opens an existing store of opts.Kind.
func Open(opts Options) (Store, error) {
	b, err := lookup(opts.Kind)
	if err != nil {
		return nil, err
	}
	if b.Open == nil {
		return nil, errs.Config("store: backend", "%s stores cannot be opened", opts.Kind)
	}
	return b.Open(opts)
}

// KindForPath guesses the backend kind from a file name.
func KindForPath(path string) string {
	switch filepath.Ext(path) {
	case ArchiveExt:
		return KindArchive
	case ".yaml", ".yml":
		return KindComposite
	default:
		return KindFile
	}
}

func requirePath(opts Options) error {
	if opts.Path == "" {
		return errs.Config("store: backend", "%s store needs a path", opts.Kind)
	}
	return nil
}

func init() {
	Register(KindMemory, Backend{
		Create: func(hdr *Header, _ Options) (Store, error) { return NewMemory(hdr), nil },
	})
	Register(KindFile, Backend{
		Create: func(hdr *Header, opts Options) (Store, error) {
			if err := requirePath(opts); err != nil {
				return nil, err
			}
			return CreateFile(opts.Path, hdr)
		},
		Open: func(opts Options) (Store, error) {
			if err := requirePath(opts); err != nil {
				return nil, err
			}
			return OpenFile(opts.Path, opts.ReadOnly)
		},
	})
	Register(KindArchive, Backend{
		Open: func(opts Options) (Store, error) {
			if err := requirePath(opts); err != nil {
				return nil, err
			}
			return OpenArchive(opts.Path)
		},
	})
	Register(KindComposite, Backend{
		// Path is the manifest; shard files are written beside it.
		Create: func(hdr *Header, opts Options) (Store, error) {
			if err := requirePath(opts); err != nil {
				return nil, err
			}
			if opts.Shards < 1 {
				return nil, errs.Config("store: backend", "composite store needs shards >= 1")
			}
			name := strings.TrimSuffix(filepath.Base(opts.Path), filepath.Ext(opts.Path))
			c, _, err := CreateSharded(filepath.Dir(opts.Path), name, hdr, opts.Shards)
			return c, err
		},
		Open: func(opts Options) (Store, error) {
			if err := requirePath(opts); err != nil {
				return nil, err
			}
			return OpenManifest(opts.Path, opts.ReadOnly)
		},
	})
}
