package extract

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/rotisserie/eris"
)

func pdfText(path string) (text string, err error) {
	// The reader panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("extract: pdf reader panic: %v", r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return "", eris.Wrap(err, "extract: open pdf")
	}
	defer f.Close()

	plain, err := r.GetPlainText()
	if err != nil {
		return "", eris.Wrap(err, "extract: read pdf text")
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", eris.Wrap(err, "extract: copy pdf text")
	}
	return buf.String(), nil
}

func docxText(path string) (string, error) {
	d, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", eris.Wrap(err, "extract: open docx")
	}
	defer d.Close()
	return stripDocxXML(d.Editable().GetContent()), nil
}

// stripDocxXML keeps character data, turning paragraph ends and breaks into
// newlines and tab elements into tabs.
func stripDocxXML(raw string) string {
	dec := xml.NewDecoder(strings.NewReader(raw))
	var b strings.Builder
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return b.String()
		}
		switch t := tok.(type) {
		case xml.CharData:
			b.Write(t)
		case xml.StartElement:
			if t.Name.Local == "tab" {
				b.WriteByte('\t')
			}
		case xml.EndElement:
			if t.Name.Local == "p" || t.Name.Local == "br" {
				b.WriteByte('\n')
			}
		}
	}
	return b.String()
}
