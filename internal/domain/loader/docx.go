package loader

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/matiasleandrokruk/ragd/internal/domain/knowledge"
)

// DocxLoader extracts text from .docx files (a zip of OOXML parts),
// unzipping word/document.xml directly and concatenating run text rather
// than depending on an OOXML library, inserting a paragraph break between
// <w:p> elements.
type DocxLoader struct{}

func (l *DocxLoader) Supports(path string) bool { return extOf(path) == ".docx" }

func (l *DocxLoader) Load(path string) ([]knowledge.Document, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, &knowledge.LoaderError{Path: path, Msg: fmt.Sprintf("open zip: %v", err)}
	}
	defer zr.Close()

	var docXML *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docXML = f
			break
		}
	}
	if docXML == nil {
		return nil, &knowledge.LoaderError{Path: path, Msg: "word/document.xml not found"}
	}

	rc, err := docXML.Open()
	if err != nil {
		return nil, &knowledge.LoaderError{Path: path, Msg: fmt.Sprintf("open document.xml: %v", err)}
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, &knowledge.LoaderError{Path: path, Msg: fmt.Sprintf("read document.xml: %v", err)}
	}

	text, err := extractDocxText(raw)
	if err != nil {
		return nil, &knowledge.LoaderError{Path: path, Msg: fmt.Sprintf("parse document.xml: %v", err)}
	}

	return []knowledge.Document{{
		Content:  text,
		Metadata: map[string]string{"source": path},
	}}, nil
}

// extractDocxText walks the document.xml token stream, concatenating
// w:t run text and inserting one newline at the close of each w:p.
func extractDocxText(raw []byte) (string, error) {
	dec := xml.NewDecoder(strings.NewReader(string(raw)))
	var b strings.Builder
	inText := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}

	return strings.TrimSpace(b.String()), nil
}
