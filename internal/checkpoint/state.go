package checkpoint

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/agegender/agetrain/internal/serialization"
)

// state mirrors the text file TensorFlow keeps next to its checkpoints:
//
//	model_checkpoint_path: "model.ckpt-300"
//	all_model_checkpoint_paths: "model.ckpt-200"
//	all_model_checkpoint_paths: "model.ckpt-300"
type state struct {
	Latest string
	All    []string
}

const (
	keyLatest = "model_checkpoint_path"
	keyAll    = "all_model_checkpoint_paths"
)

func readState(dir string) (state, error) {
	//nolint:gosec // G304: state file lives in the experiment folder
	data, err := os.ReadFile(filepath.Join(dir, StateFile))
	if err != nil {
		return state{}, err
	}
	var st state
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		value, err := strconv.Unquote(strings.TrimSpace(value))
		if err != nil {
			return state{}, fmt.Errorf("parse %s: %w", StateFile, err)
		}
		switch strings.TrimSpace(key) {
		case keyLatest:
			st.Latest = value
		case keyAll:
			st.All = append(st.All, value)
		}
	}
	return st, sc.Err()
}

func writeState(dir string, st state) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %q\n", keyLatest, st.Latest)
	for _, p := range st.All {
		fmt.Fprintf(&b, "%s: %q\n", keyAll, p)
	}
	if err := serialization.WriteFileAtomic(filepath.Join(dir, StateFile), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write checkpoint state: %w", err)
	}
	return nil
}

// Info describes one checkpoint file.
type Info struct {
	Name string
	Path string
	Tag  int64
	Size int64
}

// List returns the checkpoint files in dir ordered by tag.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []Info
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		tag, ok := parseTag(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		out = append(out, Info{Name: e.Name(), Path: filepath.Join(dir, e.Name()), Tag: tag, Size: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, nil
}

func parseTag(name string) (int64, bool) {
	rest, ok := strings.CutPrefix(name, FilePrefix+"-")
	if !ok {
		return 0, false
	}
	tag, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return tag, true
}

// Latest resolves the newest checkpoint in dir: the one named by the state
// file when it exists, otherwise the highest tag.
func Latest(dir string) (string, error) {
	if st, err := readState(dir); err == nil && st.Latest != "" {
		p := st.Latest
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	infos, err := List(dir)
	if err != nil {
		return "", err
	}
	if len(infos) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoCheckpoint, dir)
	}
	return infos[len(infos)-1].Path, nil
}
