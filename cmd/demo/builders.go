package main

import (
	"context"
	"fmt"
	"os"

	"github.com/vk/skygraph/internal/eval"
	"github.com/vk/skygraph/internal/nodekey"
)

// registerDemoBuilders wires two toy node types: "file" reads a path's
// contents on demand (re-run whenever invalidated by the watcher), and
// "greeting" depends on the "file" node keyed on filePath — the same path
// main hands to the watcher — falling back to a canned message if the
// file doesn't exist. filePath is closed over rather than derived from
// the greeting's own argument so the dependency edge always targets
// whatever path the operator is actually watching.
func registerDemoBuilders(reg *eval.Registry, filePath string) {
	reg.Register("file", eval.BuilderFunc(func(_ context.Context, key nodekey.Key, _ *eval.Environment) (any, error) {
		path, _ := key.Arg.(string)
		data, err := os.ReadFile(path)
		if err != nil {
			return "", nil
		}
		return string(data), nil
	}))

	fileKey := nodekey.New("file", filePath)
	reg.Register("greeting", eval.BuilderFunc(func(_ context.Context, key nodekey.Key, env *eval.Environment) (any, error) {
		name, _ := key.Arg.(string)
		contents, ok := env.GetValue(fileKey)
		if env.ValuesMissing() {
			return nil, nil
		}
		suffix := ""
		if ok {
			if s, _ := contents.(string); s != "" {
				suffix = fmt.Sprintf(" (%s)", s)
			}
		}
		return fmt.Sprintf("hello, %s%s", name, suffix), nil
	}))
}
