// Package viz draws the change history of a document: one node per change labelled with the value at a path,
// one edge per dependency.
package viz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Node is one change in the history.
type Node struct {
	Hash  string
	Label string
	Deps  []string
}

// History lists the changes of doc in causal order, labelling each with the JSON form of the value at nodePath
// as of that change.
func History(doc *automerge.Doc, nodePath ...interface{}) ([]Node, error) {
	changes, err := doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	out := make([]Node, 0, len(changes))
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		var raw interface{}
		if value, err := docAt.Path(nodePath...).Get(); err == nil {
			raw = value.Interface()
		}
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", change.Hash(), err)
		}
		n := Node{
			Hash:  change.Hash().String(),
			Label: fmt.Sprintf("%s %s@%d %s", change.Hash().String()[:8], change.ActorID(), change.ActorSeq(), encoded),
		}
		for _, dep := range change.Dependencies() {
			n.Deps = append(n.Deps, dep.String())
		}
		out = append(out, n)
	}
	return out, nil
}

// WriteDot prints the history as a graphviz digraph.
func WriteDot(w io.Writer, doc *automerge.Doc, nodePath ...interface{}) error {
	nodes, err := History(doc, nodePath...)
	if err != nil {
		return err
	}
	var buff bytes.Buffer
	buff.WriteString("digraph \"log\" {\n")
	for _, n := range nodes {
		fmt.Fprintf(&buff, "    %q [label=%q]\n", n.Hash, n.Label)
		for _, dep := range n.Deps {
			fmt.Fprintf(&buff, "    %q -> %q\n", dep, n.Hash)
		}
	}
	buff.WriteString("}\n")
	_, err = w.Write(buff.Bytes())
	return err
}

// RenderSVG lays the history out with graphviz and writes the SVG to w.
func RenderSVG(w io.Writer, doc *automerge.Doc, nodePath ...interface{}) error {
	nodes, err := History(doc, nodePath...)
	if err != nil {
		return err
	}

	g := graphviz.New()
	defer g.Close()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	byHash := make(map[string]*cgraph.Node, len(nodes))
	edges := 0
	for _, n := range nodes {
		gn, err := graph.CreateNode(n.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		gn.SetLabel(n.Label)
		byHash[n.Hash] = gn
		for _, dep := range n.Deps {
			from, ok := byHash[dep]
			if !ok {
				continue
			}
			edges++
			if _, err := graph.CreateEdge(fmt.Sprintf("e%d", edges), from, gn); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, graphviz.SVG, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

// RenderToTemp renders the history to a fresh SVG file in the temp dir and returns its path.
func RenderToTemp(doc *automerge.Doc, nodePath ...interface{}) (string, error) {
	f, err := os.CreateTemp("", "hello-automerge-*.svg")
	if err != nil {
		return "", fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()
	if err := RenderSVG(f, doc, nodePath...); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
