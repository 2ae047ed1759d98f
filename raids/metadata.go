package raids

import (
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.sia.tech/raids/chunker"
)

const (
	personalFileListPrefix = "PERSONAL_FILE_LIST"
	masterListPrefix       = "MASTER"
)

type (
	// PersonalFileInfo is a file uploaded by a user. Entries are equal if
	// their names are equal.
	PersonalFileInfo struct {
		Name string `json:"name"`
		Hash string `json:"hash"`
	}

	// A PersonalFileList is the list of files uploaded by a user.
	PersonalFileList struct {
		Username string             `json:"username"`
		Files    []PersonalFileInfo `json:"files"`
	}

	// A MasterList records the ring of peers holding each chunk of a file.
	MasterList struct {
		LookupKey string `json:"lookupKey"`
		Filename  string `json:"filename"`
		Size      int64  `json:"size"`
		Hash      string `json:"hash"`
		// Parts holds one ring per chunk index.
		Parts [][]peer.ID `json:"parts"`
		// Unavailable lists, per chunk index, ring members that joined
		// through recovery without receiving the chunk's data.
		Unavailable map[int][]peer.ID `json:"unavailable,omitempty"`
	}
)

// PersonalFileListKey returns the store key of a user's file list.
func PersonalFileListKey(username string) string {
	return chunker.HashString(personalFileListPrefix + username)
}

// MasterListKey returns the store key of the MasterList for a user's file.
func MasterListKey(username, filename string) string {
	return chunker.HashString(masterListPrefix + username + filename)
}

// Add adds fi to the list, replacing any entry with the same name. It
// returns true if an entry was replaced.
func (l *PersonalFileList) Add(fi PersonalFileInfo) bool {
	for i := range l.Files {
		if l.Files[i].Name == fi.Name {
			l.Files[i] = fi
			return true
		}
	}
	l.Files = append(l.Files, fi)
	return false
}

// Find returns the entry with the given name.
func (l PersonalFileList) Find(name string) (PersonalFileInfo, bool) {
	for _, fi := range l.Files {
		if fi.Name == name {
			return fi, true
		}
	}
	return PersonalFileInfo{}, false
}

// PartKey returns the PartKey of the chunk at index.
func (ml MasterList) PartKey(index int) PartKey {
	return PartKey{FileHash: ml.LookupKey, Index: index}
}

// Validate returns an error if the MasterList is malformed.
func (ml MasterList) Validate() error {
	if len(ml.LookupKey) != fileHashSize {
		return fmt.Errorf("invalid lookup key %q", ml.LookupKey)
	} else if len(ml.Parts) == 0 {
		return errors.New("no parts")
	}
	for i, ring := range ml.Parts {
		if len(ring) == 0 {
			return fmt.Errorf("part %d has an empty ring", i)
		}
		seen := make(map[peer.ID]bool, len(ring))
		for _, p := range ring {
			if seen[p] {
				return fmt.Errorf("part %d lists peer %s twice", i, p)
			}
			seen[p] = true
		}
	}
	return nil
}

// Clone returns a deep copy of the MasterList.
func (ml MasterList) Clone() MasterList {
	c := ml
	c.Parts = make([][]peer.ID, len(ml.Parts))
	for i, ring := range ml.Parts {
		c.Parts[i] = append([]peer.ID(nil), ring...)
	}
	if ml.Unavailable != nil {
		c.Unavailable = make(map[int][]peer.ID, len(ml.Unavailable))
		for i, peers := range ml.Unavailable {
			c.Unavailable[i] = append([]peer.ID(nil), peers...)
		}
	}
	return c
}

// Members returns every distinct peer appearing in any ring.
func (ml MasterList) Members() []peer.ID {
	var members []peer.ID
	seen := make(map[peer.ID]bool)
	for _, ring := range ml.Parts {
		for _, p := range ring {
			if !seen[p] {
				seen[p] = true
				members = append(members, p)
			}
		}
	}
	return members
}

// Replace replaces old with replacement in the ring of the chunk at index.
// Any unavailable flag carried by old is dropped. It returns the position of
// the replaced peer, or -1 if old is not a member.
func (ml *MasterList) Replace(index int, old, replacement peer.ID) int {
	if index < 0 || index >= len(ml.Parts) {
		return -1
	}
	pos := indexOf(ml.Parts[index], old)
	if pos == -1 {
		return -1
	}
	ml.Parts[index][pos] = replacement
	ml.setUnavailable(index, old, false)
	return pos
}

// MarkUnavailable records that p is a member of the ring at index but does
// not hold the chunk's data.
func (ml *MasterList) MarkUnavailable(index int, p peer.ID) {
	ml.setUnavailable(index, p, true)
}

// IsUnavailable reports whether p is flagged as lacking the chunk at index.
func (ml MasterList) IsUnavailable(index int, p peer.ID) bool {
	return indexOf(ml.Unavailable[index], p) != -1
}

func (ml *MasterList) setUnavailable(index int, p peer.ID, flag bool) {
	peers := ml.Unavailable[index]
	i := indexOf(peers, p)
	switch {
	case flag && i == -1:
		if ml.Unavailable == nil {
			ml.Unavailable = make(map[int][]peer.ID)
		}
		ml.Unavailable[index] = append(peers, p)
	case !flag && i != -1:
		peers = append(peers[:i:i], peers[i+1:]...)
		if len(peers) == 0 {
			delete(ml.Unavailable, index)
		} else {
			ml.Unavailable[index] = peers
		}
	}
}

func indexOf(ring []peer.ID, p peer.ID) int {
	for i := range ring {
		if ring[i] == p {
			return i
		}
	}
	return -1
}
