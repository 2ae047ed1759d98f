package raids

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

func (n *Node) storeGet(ctx context.Context, key string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, n.opts.StoreTimeout)
	defer cancel()

	buf, err := n.store.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, v)
}

func (n *Node) storePut(ctx context.Context, key string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, n.opts.StoreTimeout)
	defer cancel()

	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return n.store.Put(ctx, key, buf)
}

// lookupMasterList reads a MasterList from the store, bypassing the cache.
func (n *Node) lookupMasterList(ctx context.Context, key string) (MasterList, error) {
	var ml MasterList
	if err := n.storeGet(ctx, key, &ml); err != nil {
		return MasterList{}, fmt.Errorf("failed to lookup master list %q: %w", key, err)
	} else if err := ml.Validate(); err != nil {
		return MasterList{}, fmt.Errorf("invalid master list %q: %w", key, err)
	}
	n.lists.Add(key, ml.Clone())
	return ml, nil
}

// cachedMasterList returns a cached MasterList, falling back to the store.
func (n *Node) cachedMasterList(ctx context.Context, key string) (MasterList, error) {
	if ml, ok := n.lists.Get(key); ok {
		return ml.Clone(), nil
	}
	return n.lookupMasterList(ctx, key)
}

func (n *Node) insertMasterList(ctx context.Context, ml MasterList) error {
	if err := n.storePut(ctx, ml.LookupKey, ml); err != nil {
		return fmt.Errorf("failed to insert master list %q: %w", ml.LookupKey, err)
	}
	n.lists.Add(ml.LookupKey, ml.Clone())
	return nil
}

func (n *Node) fileList(ctx context.Context) (PersonalFileList, error) {
	var fl PersonalFileList
	err := n.storeGet(ctx, PersonalFileListKey(n.username), &fl)
	if errors.Is(err, ErrNotFound) {
		return PersonalFileList{Username: n.username}, nil
	} else if err != nil {
		return PersonalFileList{}, fmt.Errorf("failed to lookup file list: %w", err)
	}
	return fl, nil
}

// Files returns the files uploaded by the node's user.
func (n *Node) Files(ctx context.Context) ([]PersonalFileInfo, error) {
	fl, err := n.fileList(ctx)
	if err != nil {
		return nil, err
	}
	return fl.Files, nil
}

// addFile records fi in the user's file list.
func (n *Node) addFile(ctx context.Context, fi PersonalFileInfo) error {
	fl, err := n.fileList(ctx)
	if err != nil {
		return err
	}
	fl.Add(fi)
	if err := n.storePut(ctx, PersonalFileListKey(n.username), fl); err != nil {
		return fmt.Errorf("failed to insert file list: %w", err)
	}
	return nil
}
