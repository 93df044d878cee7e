package epoch

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseTree decodes a YAML epoch tree and validates it.
//
//	name: experiment
//	children:
//	  - name: block
//	    kind: indexable
//	    steps: 3
//	    children:
//	      - name: trial
//	        page: true
func ParseTree(r io.Reader) (Node, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var root Node
	if err := dec.Decode(&root); err != nil {
		if errors.Is(err, io.EOF) {
			return Node{}, fmt.Errorf("epoch tree is empty")
		}
		return Node{}, fmt.Errorf("decode epoch tree: %w", err)
	}
	if err := root.Validate(); err != nil {
		return Node{}, fmt.Errorf("invalid epoch tree: %w", err)
	}
	return root, nil
}

// LoadTree reads an epoch tree from a YAML file.
func LoadTree(path string) (Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return Node{}, fmt.Errorf("open epoch tree: %w", err)
	}
	defer f.Close()
	return ParseTree(f)
}
