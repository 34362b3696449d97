// Package extractiontest builds small documents for tests of code that reads
// tariff sheets.
package extractiontest

import (
	"bytes"
	"fmt"
	"strings"
)

var escaper = strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)

// PDF returns a one page PDF that shows each line on its own text line in
// Helvetica. The cross-reference table carries real offsets, so strict
// readers accept the file.
func PDF(lines ...string) []byte {
	var content bytes.Buffer
	content.WriteString("BT\n/F1 10 Tf\n50 800 Td\n")
	for i, line := range lines {
		if i > 0 {
			content.WriteString("0 -14 Td\n")
		}
		fmt.Fprintf(&content, "(%s) Tj\n", escaper.Replace(line))
	}
	content.WriteString("ET")

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 /MediaBox [0 0 595 842] >>",
		"<< /Type /Page /Parent 2 0 R /Resources << /Font << /F1 5 0 R >> >> /Contents 4 0 R >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", content.Len(), content.String()),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	}

	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return b.Bytes()
}

// Preisblatt returns the lines of a complete Netzentgelte price sheet for
// year: Leistungspreis then Arbeitspreis for every voltage level.
func Preisblatt(year int) []string {
	return []string{
		fmt.Sprintf("Preisblatt Netzentgelte Strom %d", year),
		"Hochspannung 58,21 1,26",
		"HS/MS 81,45 1,49",
		"Mittelspannung 109,86 1,97",
		"MS/NS 124,02 2,38",
		"Niederspannung 133,07 5,94",
	}
}
