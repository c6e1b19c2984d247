package evm

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// LoadABIs loads ABI JSON files from the provided paths. A path may be a
// single file or a directory walked recursively.
func LoadABIs(paths []string) (map[string]*abi.ABI, error) {
	abis := map[string]*abi.ABI{}
	for _, root := range paths {
		if root == "" {
			continue
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".json") {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read abi %s: %w", path, err)
			}
			a, err := abi.JSON(bytes.NewReader(data))
			if err != nil {
				return fmt.Errorf("parse abi %s: %w", path, err)
			}
			abis[path] = &a
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return abis, nil
}

// FindEvent searches loaded ABIs for an event with the given name.
func FindEvent(abis map[string]*abi.ABI, eventName string) (*abi.Event, bool) {
	for _, a := range abis {
		if ev, ok := a.Events[eventName]; ok {
			return &ev, true
		}
	}
	return nil, false
}

// LoadLockEvent reads a TokensLocked override from path. Empty path means the
// built-in definition. The override must keep the argument names the decoder
// relies on.
func LoadLockEvent(path string) (*abi.Event, error) {
	if path == "" {
		return DefaultLockEvent(), nil
	}
	abis, err := LoadABIs([]string{path})
	if err != nil {
		return nil, err
	}
	ev, ok := FindEvent(abis, EventName)
	if !ok {
		return nil, fmt.Errorf("abi %s: no %s event", path, EventName)
	}
	have := map[string]bool{}
	for _, in := range ev.Inputs {
		have[in.Name] = true
	}
	for _, name := range []string{"sender", "token", "amount", "destinationChainId"} {
		if !have[name] {
			return nil, fmt.Errorf("abi %s: %s lacks argument %q", path, EventName, name)
		}
	}
	return ev, nil
}
