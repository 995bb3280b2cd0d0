package frame

import (
	"errors"
	"fmt"
	"sync"
)

// store is the tagged-variant cache shared by Image and Mask.
//
// Invariants:
//   - cache[canonical] is set at construction and never replaced or removed
//     until release.
//   - width/height never change.
//   - At most one Texture entry exists, bound to one GraphicsContext.
//
// Thread-safety: all fields protected by mu. Conversions run under mu, so a
// representation is materialized at most once.
type store struct {
	mu        sync.Mutex
	width     int
	height    int
	canonical Kind
	cache     map[Kind]Representation
	released  bool
}

func newStore(rep Representation, width, height int) store {
	return store{
		width:     width,
		height:    height,
		canonical: rep.Kind(),
		cache:     map[Kind]Representation{rep.Kind(): rep},
	}
}

func (s *store) checkLocked() error {
	if s.released {
		return ErrUseAfterRelease
	}
	return nil
}

func (s *store) has(kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	_, ok := s.cache[kind]
	return ok
}

func (s *store) isReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// cachedTextureLocked returns the cached texture handle if it belongs to gc.
// ok is false when no texture has been materialized yet.
func (s *store) cachedTextureLocked(gc GraphicsContext) (h TextureHandle, ok bool, err error) {
	if gc == nil {
		return 0, false, fmt.Errorf("%w: nil graphics context", ErrConversionUnsupported)
	}
	rep, found := s.cache[KindTexture]
	if !found {
		return 0, false, nil
	}
	tex := rep.(Texture)
	if tex.Context.ID() != gc.ID() {
		return 0, false, fmt.Errorf("%w: texture lives in context %s, requested from %s",
			ErrContextMismatch, tex.Context.ID(), gc.ID())
	}
	return tex.Handle, true, nil
}

// release frees every cached representation. Textures are deleted through
// their owning context. Idempotent: only the first call does work.
func (s *store) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true

	var errs []error
	for _, rep := range s.cache {
		tex, ok := rep.(Texture)
		if !ok || tex.Context == nil {
			continue
		}
		if err := tex.Context.Delete(tex.Handle); err != nil {
			errs = append(errs, err)
		}
	}
	s.cache = nil
	return errors.Join(errs...)
}
