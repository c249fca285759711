// Package mailboxtree converts between the flat, delimiter-addressed
// mailbox lists returned by protocol clients and the nested tree form
// the API presents. Both transforms are pure; input slices and their
// elements are never mutated.
package mailboxtree

import (
	"strings"

	"github.com/quillmail/gate/mailclient"
)

// Nest builds a tree from a flat mailbox list. Ancestors missing from
// the input are synthesized as non-selectable nodes; when an input box
// later names such a node, it fills in the metadata. When two input
// boxes map to the same node, the first-seen one's metadata wins and
// their children are merged.
func Nest(flat []*mailclient.Mailbox) []*mailclient.Mailbox {
	var roots []*mailclient.Mailbox
	placeholders := make(map[*mailclient.Mailbox]bool)

	for _, box := range flat {
		segments := splitSegments(box.Name, box.Delimiter)
		level := &roots
		path := ""

		for i, segment := range segments {
			if i == 0 {
				path = segment
			} else {
				path += box.Delimiter + segment
			}

			node := findChild(*level, segment)
			last := i == len(segments)-1

			if node == nil {
				if last {
					node = copyBox(box)
					node.Label = segment
				} else {
					node = &mailclient.Mailbox{
						Name:      path,
						Label:     segment,
						Delimiter: box.Delimiter,
					}
					placeholders[node] = true
				}
				*level = append(*level, node)
			} else if last && placeholders[node] {
				// A real box arrived for a synthesized ancestor.
				node.Delimiter = box.Delimiter
				node.Selectable = box.Selectable
				node.Total = box.Total
				node.Unseen = box.Unseen
				delete(placeholders, node)
			}

			level = &node.Children
		}
	}

	return roots
}

// Flatten is the structural inverse of Nest: a depth-first pre-order
// emission of every node's own record with its children cleared.
func Flatten(tree []*mailclient.Mailbox) []*mailclient.Mailbox {
	var flat []*mailclient.Mailbox
	for _, node := range tree {
		record := copyBox(node)
		record.Label = ""
		flat = append(flat, record)
		flat = append(flat, Flatten(node.Children)...)
	}
	return flat
}

// splitSegments splits a mailbox name on its delimiter. A name with an
// empty delimiter, or one starting with its delimiter, is a single root
// segment; splitting it would produce empty or degenerate components.
func splitSegments(name, delimiter string) []string {
	if delimiter == "" || strings.HasPrefix(name, delimiter) {
		return []string{name}
	}
	return strings.Split(name, delimiter)
}

func findChild(level []*mailclient.Mailbox, label string) *mailclient.Mailbox {
	for _, node := range level {
		if node.Label == label {
			return node
		}
	}
	return nil
}

func copyBox(box *mailclient.Mailbox) *mailclient.Mailbox {
	dup := *box
	dup.Children = nil
	return &dup
}
