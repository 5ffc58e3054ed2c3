package lang

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

type Registry struct {
	mu        sync.RWMutex
	languages map[string]Language
}

func NewRegistry() *Registry {
	r := &Registry{
		languages: make(map[string]Language),
	}
	r.registerDefaults()
	return r
}

// Register adds or replaces a language. IDs are matched case-insensitively.
func (r *Registry) Register(l Language) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l.ID = normalize(l.ID)
	r.languages[l.ID] = l
}

// Resolve looks up a language by its user-facing name.
func (r *Registry) Resolve(name string) (Language, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.languages[normalize(name)]
	if !ok {
		return Language{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, name)
	}
	return l, nil
}

// List returns all registered languages ordered by ID.
func (r *Registry) List() []Language {
	r.mu.RLock()
	defer r.mu.RUnlock()
	langs := make([]Language, 0, len(r.languages))
	for _, l := range r.languages {
		langs = append(langs, l)
	}
	sort.Slice(langs, func(i, j int) bool { return langs[i].ID < langs[j].ID })
	return langs
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func (r *Registry) registerDefaults() {
	r.Register(Language{
		ID: "python",
		Toolchain: Toolchain{
			Name:       "Python",
			SourceFile: "script.py",
			RunCommand: []string{"python3", "-u", "script.py"},
		},
	})
	r.Register(Language{
		ID: "java",
		Toolchain: Toolchain{
			Name:           "Java",
			SourceFile:     "Main.java",
			CompileCommand: []string{"javac", "Main.java"},
			RunCommand:     []string{"java", "Main"},
		},
	})
	r.Register(Language{
		ID: "c",
		Toolchain: Toolchain{
			Name:           "C",
			SourceFile:     "main.c",
			CompileCommand: []string{"gcc", "-O2", "-o", "main", "main.c"},
			RunCommand:     []string{"./main"},
		},
	})
	r.Register(Language{
		ID: "cpp",
		Toolchain: Toolchain{
			Name:           "C++",
			SourceFile:     "main.cpp",
			CompileCommand: []string{"g++", "-O2", "-o", "main", "main.cpp"},
			RunCommand:     []string{"./main"},
		},
	})
}
