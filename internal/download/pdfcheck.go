package download

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

const (
	minPages     = 5
	minPagesBook = 50
)

var pdfMagic = []byte("%PDF-")

// ValidatePDF gates downloaded bytes before they are persisted: the file must
// carry the PDF magic, parse, not be encrypted, and have enough pages to be a
// full text rather than a cover sheet or preview. Returns the page count.
func ValidatePDF(data []byte, isBook bool) (int, error) {
	if !bytes.HasPrefix(data, pdfMagic) {
		return 0, fmt.Errorf("not a pdf (missing %%PDF- header)")
	}

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "encrypted") {
			return 0, fmt.Errorf("pdf is encrypted")
		}
		return 0, fmt.Errorf("pdf parse failed: %w", err)
	}

	pages := r.NumPage()
	min := minPages
	if isBook {
		min = minPagesBook
	}
	if pages < min {
		return pages, fmt.Errorf("pdf has %d pages, need at least %d", pages, min)
	}
	return pages, nil
}
