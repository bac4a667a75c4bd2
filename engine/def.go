package engine

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	iface "PotholeDetServer/interface"
)

const UNREGISTERED = 0x0001
const REGISTERED = 0x0002
const IDLE = 0x0003
const BUSY = 0x0004

const (
	BackendOnnx   = "onnx"
	BackendRemote = "remote"
)

var (
	ErrNotRegistered = errors.New("detector not registered")
	ErrNotLoaded     = errors.New("model not loaded")
	ErrBusy          = errors.New("detector is busy")
	ErrEmptyImage    = errors.New("image is empty")
)

// Factory creates an unloaded backend. Each pipeline worker owns one.
type Factory func() iface.Backend

var backends = map[string]Factory{
	BackendOnnx:   func() iface.Backend { return NewDetector() },
	BackendRemote: func() iface.Backend { return NewRemote() },
}

// LoadEngine returns the factory for the named inference backend.
func LoadEngine(name string) (Factory, error) {
	f, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("unsupported backend: %s", name)
	}
	return f, nil
}

// ReadLinesReadFile reads a names file, one class per line, skipping blank
// lines and tolerating CRLF.
func ReadLinesReadFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, l := range strings.Split(string(b), "\n") {
		l = strings.TrimRight(l, "\r")
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

func resolveNames(names iface.NamesConf) ([]string, error) {
	if names.IsFile {
		path, ok := names.Data.(string)
		if !ok {
			return nil, fmt.Errorf("names file must be a path, got %T", names.Data)
		}
		return ReadLinesReadFile(path)
	}
	if names.Data == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(names.Data)
	if rv.Kind() != reflect.Slice {
		return nil, fmt.Errorf("names must be a slice or a file path, got %T", names.Data)
	}
	out := make([]string, rv.Len())
	for i := range out {
		s, ok := rv.Index(i).Interface().(string)
		if !ok {
			return nil, fmt.Errorf("names[%d] is %T, want string", i, rv.Index(i).Interface())
		}
		out[i] = s
	}
	return out, nil
}

func className(names []string, idx int) string {
	if idx >= 0 && idx < len(names) {
		return names[idx]
	}
	return fmt.Sprintf("class_%d", idx)
}
