package loader

import (
	"fmt"
	"os"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/matiasleandrokruk/ragd/internal/domain/knowledge"
)

// MarkdownLoader loads .md files, preserving section structure (one
// Document per top-level heading section) where the file parses as
// structured Markdown, falling back to plain text otherwise.
type MarkdownLoader struct{}

func (l *MarkdownLoader) Supports(path string) bool { return extOf(path) == ".md" }

func (l *MarkdownLoader) Load(path string) ([]knowledge.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &knowledge.LoaderError{Path: path, Msg: fmt.Sprintf("read: %v", err)}
	}

	root := goldmark.DefaultParser().Parse(text.NewReader(raw))
	sections := sectionsFromAST(root, raw)
	if len(sections) == 0 {
		return []knowledge.Document{{
			Content:  string(raw),
			Metadata: map[string]string{"source": path},
		}}, nil
	}

	docs := make([]knowledge.Document, 0, len(sections))
	for _, s := range sections {
		docs = append(docs, knowledge.Document{
			Content:  s.body,
			Metadata: map[string]string{"source": path, "section": s.heading},
		})
	}
	return docs, nil
}

type mdSection struct {
	heading string
	body    string
}

// sectionsFromAST walks top-level heading/paragraph nodes and groups the
// text under each heading into one section; content before the first
// heading (if any) is collected under an empty heading.
func sectionsFromAST(root ast.Node, src []byte) []mdSection {
	var sections []mdSection
	var curHeading string
	var curBody strings.Builder

	flush := func() {
		body := strings.TrimSpace(curBody.String())
		if body != "" {
			sections = append(sections, mdSection{heading: curHeading, body: body})
		}
		curBody.Reset()
	}

	for n := root.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			flush()
			curHeading = string(node.Text(src))
		default:
			curBody.Write(n.Text(src))
			curBody.WriteString("\n\n")
		}
	}
	flush()

	return sections
}
