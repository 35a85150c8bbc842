package evidence

import (
	"bufio"
	"bytes"
	"regexp"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var (
	markdownParserInstance goldmark.Markdown
	markdownParserOnce     sync.Once
)

func getMarkdownParser() goldmark.Markdown {
	markdownParserOnce.Do(func() {
		markdownParserInstance = goldmark.New(goldmark.WithExtensions(extension.Table))
	})
	return markdownParserInstance
}

// Table is a parsed markdown table.
type Table struct {
	Header []string
	Rows   [][]string
}

// ParseTables returns every GFM table in the document, in order.
func ParseTables(source []byte) []Table {
	document := getMarkdownParser().Parser().Parse(text.NewReader(source))

	var tables []Table
	_ = ast.Walk(document, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || node.Kind() != extast.KindTable {
			return ast.WalkContinue, nil
		}
		var t Table
		for child := node.FirstChild(); child != nil; child = child.NextSibling() {
			switch child.Kind() {
			case extast.KindTableHeader:
				t.Header = collectRow(child, source)
			case extast.KindTableRow:
				t.Rows = append(t.Rows, collectRow(child, source))
			}
		}
		tables = append(tables, t)
		return ast.WalkSkipChildren, nil
	})
	return tables
}

func collectRow(row ast.Node, source []byte) []string {
	var cells []string
	for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
		cells = append(cells, strings.ReplaceAll(strings.TrimSpace(inlineText(cell, source)), `\|`, "|"))
	}
	return cells
}

func inlineText(node ast.Node, source []byte) string {
	var b strings.Builder
	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := n.(type) {
		case *ast.Text:
			b.Write(v.Segment.Value(source))
		case *ast.String:
			b.Write(v.Value)
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

var scalarLine = regexp.MustCompile(`^([a-z_]+): (\S+)$`)

// ParseScalars returns the "key: value" summary lines of a document.
func ParseScalars(source []byte) map[string]string {
	out := map[string]string{}
	sc := bufio.NewScanner(bytes.NewReader(source))
	for sc.Scan() {
		if m := scalarLine.FindStringSubmatch(sc.Text()); m != nil {
			out[m[1]] = m[2]
		}
	}
	return out
}

// codeCell renders a path as a code span so emphasis markers, escapes and
// entities in it stay literal when the table is parsed back. Pipes are
// still escaped because the table parser splits on them first.
func codeCell(s string) string {
	fence := "`"
	for strings.Contains(s, fence) {
		fence += "`"
	}
	s = strings.ReplaceAll(s, "|", `\|`)
	if strings.HasPrefix(s, "`") || strings.HasSuffix(s, "`") {
		s = " " + s + " "
	}
	return fence + s + fence
}

func prefix(h string) string {
	if len(h) > DigestPrefixLen {
		return h[:DigestPrefixLen]
	}
	return h
}
