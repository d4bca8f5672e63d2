package loader

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/matiasleandrokruk/ragd/internal/domain/knowledge"
)

// PDFLoader extracts text from simple, non-encrypted PDFs: classic
// object-table documents with FlateDecode content streams, walking the
// object table and content streams directly rather than depending on a
// PDF library. Cross-reference streams, object streams, and non-Flate
// filters are rejected with a LoaderError rather than guessed at.
type PDFLoader struct{}

func (l *PDFLoader) Supports(path string) bool { return extOf(path) == ".pdf" }

var (
	objRe      = regexp.MustCompile(`(?s)(\d+)\s+\d+\s+obj(.*?)endobj`)
	pagesRe    = regexp.MustCompile(`/Type\s*/Pages`)
	pageRe     = regexp.MustCompile(`/Type\s*/Page\b`)
	kidsRe     = regexp.MustCompile(`/Kids\s*\[([^\]]*)\]`)
	contentsRe = regexp.MustCompile(`/Contents\s+(\d+)\s+\d+\s+R`)
	streamRe   = regexp.MustCompile(`(?s)stream\r?\n(.*?)\r?\n?endstream`)
	flateRe    = regexp.MustCompile(`/Filter\s*/FlateDecode`)
	refRe      = regexp.MustCompile(`(\d+)\s+\d+\s+R`)
	tjTextRe   = regexp.MustCompile(`\((?:[^()\\]|\\.)*\)\s*Tj`)
	ttArrayRe  = regexp.MustCompile(`\[((?:[^\[\]]|\\.)*)\]\s*TJ`)
	parenRe    = regexp.MustCompile(`\(((?:[^()\\]|\\.)*)\)`)
)

type pdfObject struct {
	num  int
	body string
}

func (l *PDFLoader) Load(path string) ([]knowledge.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &knowledge.LoaderError{Path: path, Msg: fmt.Sprintf("read: %v", err)}
	}
	if bytes.Contains(raw, []byte("/XRefStm")) || bytes.Contains(raw, []byte("/Type/ObjStm")) || bytes.Contains(raw, []byte("/Type /ObjStm")) {
		return nil, &knowledge.LoaderError{Path: path, Msg: "cross-reference/object streams are not supported"}
	}

	objects := parseObjects(raw)
	if len(objects) == 0 {
		return nil, &knowledge.LoaderError{Path: path, Msg: "no objects found in PDF"}
	}

	order := pageOrder(objects)
	if len(order) == 0 {
		for n, o := range objects {
			if pageRe.MatchString(o) {
				order = append(order, n)
			}
		}
	}
	if len(order) == 0 {
		return nil, &knowledge.LoaderError{Path: path, Msg: "no pages found in PDF"}
	}

	docs := make([]knowledge.Document, 0, len(order))
	for i, pageNum := range order {
		pageObj, ok := objects[pageNum]
		if !ok {
			continue
		}
		text, err := extractPageText(pageObj, objects)
		if err != nil {
			return nil, &knowledge.LoaderError{Path: path, Msg: fmt.Sprintf("page %d: %v", i+1, err)}
		}
		docs = append(docs, knowledge.Document{
			Content:  text,
			Metadata: map[string]string{"source": path, "page": strconv.Itoa(i + 1)},
		})
	}
	return docs, nil
}

func parseObjects(raw []byte) map[int]string {
	objects := make(map[int]string)
	for _, m := range objRe.FindAllSubmatch(raw, -1) {
		num, err := strconv.Atoi(string(m[1]))
		if err != nil {
			continue
		}
		objects[num] = string(m[2])
	}
	return objects
}

// pageOrder walks the /Pages tree via /Kids to produce pages in document order.
func pageOrder(objects map[int]string) []int {
	var root int
	for n, body := range objects {
		if pagesRe.MatchString(body) && !bytes.Contains([]byte(body), []byte("/Parent")) {
			root = n
			break
		}
	}
	if root == 0 {
		return nil
	}
	var order []int
	seen := map[int]bool{}
	var walk func(n int)
	walk = func(n int) {
		if seen[n] {
			return
		}
		seen[n] = true
		body, ok := objects[n]
		if !ok {
			return
		}
		if pageRe.MatchString(body) {
			order = append(order, n)
			return
		}
		kids := kidsRe.FindStringSubmatch(body)
		if kids == nil {
			return
		}
		for _, ref := range refRe.FindAllStringSubmatch(kids[1], -1) {
			child, _ := strconv.Atoi(ref[1])
			walk(child)
		}
	}
	walk(root)
	return order
}

func extractPageText(pageBody string, objects map[int]string) (string, error) {
	m := contentsRe.FindStringSubmatch(pageBody)
	if m == nil {
		return "", nil
	}
	contentsNum, _ := strconv.Atoi(m[1])
	streamObj, ok := objects[contentsNum]
	if !ok {
		return "", fmt.Errorf("contents object %d not found", contentsNum)
	}

	sm := streamRe.FindStringSubmatch(streamObj)
	if sm == nil {
		return "", nil
	}
	stream := []byte(sm[1])

	if flateRe.MatchString(streamObj) {
		r, err := zlib.NewReader(bytes.NewReader(stream))
		if err != nil {
			return "", fmt.Errorf("inflate: %w", err)
		}
		defer r.Close()
		inflated, err := io.ReadAll(r)
		if err != nil {
			return "", fmt.Errorf("inflate: %w", err)
		}
		stream = inflated
	} else if strings.Contains(streamObj, "/Filter") {
		return "", fmt.Errorf("unsupported stream filter")
	}

	return extractOperatorText(string(stream)), nil
}

// extractOperatorText scans Tj/TJ content-stream operators for literal string
// text, the common case for simple single-font PDFs.
func extractOperatorText(content string) string {
	var b strings.Builder
	for _, m := range tjTextRe.FindAllString(content, -1) {
		lit := parenRe.FindStringSubmatch(m)
		if lit != nil {
			b.WriteString(unescapePDFString(lit[1]))
			b.WriteString(" ")
		}
	}
	for _, m := range ttArrayRe.FindAllStringSubmatch(content, -1) {
		for _, lit := range parenRe.FindAllStringSubmatch(m[1], -1) {
			b.WriteString(unescapePDFString(lit[1]))
		}
		b.WriteString(" ")
	}
	return strings.TrimSpace(b.String())
}

func unescapePDFString(s string) string {
	r := strings.NewReplacer(`\(`, "(", `\)`, ")", `\\`, `\`, `\n`, "\n", `\r`, "\r", `\t`, "\t")
	return r.Replace(s)
}
