package store

import (
	"github.com/Dyastin-0/zipline/core"
)

// SaveLocations remembers where transfers go: one directory per peer and
// one default. Peers are keyed by signature so every network path of a
// device shares one entry.
type SaveLocations struct {
	file *File
}

func NewSaveLocations(f *File) *SaveLocations {
	return &SaveLocations{file: f}
}

// Locations is a snapshot of the stored save locations.
type Locations struct {
	Default string
	PerPeer map[string]string
}

func (s *SaveLocations) List() (Locations, error) {
	locs := Locations{PerPeer: map[string]string{}}

	if _, err := s.file.Get(SaveLocationsKey, &locs.PerPeer); err != nil {
		return Locations{}, err
	}
	if locs.PerPeer == nil {
		locs.PerPeer = map[string]string{}
	}
	if _, err := s.file.Get(DefaultSaveLocationKey, &locs.Default); err != nil {
		return Locations{}, err
	}
	return locs, nil
}

// For returns the location stored for peer, or "".
func (s *SaveLocations) For(peer core.Peer) string {
	perPeer := map[string]string{}
	if _, err := s.file.Get(SaveLocationsKey, &perPeer); err != nil {
		return ""
	}
	return perPeer[core.StripAdapter(peer.Signature)]
}

// Default returns the stored default location, or "".
func (s *SaveLocations) Default() string {
	var dir string
	if _, err := s.file.Get(DefaultSaveLocationKey, &dir); err != nil {
		return ""
	}
	return dir
}

// Set stores dir for peer. An empty dir forgets the peer.
func (s *SaveLocations) Set(peer core.Peer, dir string) error {
	key := core.StripAdapter(peer.Signature)

	perPeer := map[string]string{}
	return s.file.Update(SaveLocationsKey, &perPeer, func(bool) error {
		if perPeer == nil {
			perPeer = map[string]string{}
		}
		if dir == "" {
			delete(perPeer, key)
		} else {
			perPeer[key] = dir
		}
		return nil
	})
}

// SetDefault stores the default location. An empty dir removes it.
func (s *SaveLocations) SetDefault(dir string) error {
	if dir == "" {
		return s.file.Delete(DefaultSaveLocationKey)
	}
	return s.file.Set(DefaultSaveLocationKey, dir)
}
