package imap

import (
	"context"
	"reflect"
	"testing"

	imapv2 "github.com/emersion/go-imap/v2"

	"github.com/dhcgn/notesorter/extract"
)

func attachmentStructure(typ, subtype, filename, encoding string) *imapv2.BodyStructureSinglePart {
	return &imapv2.BodyStructureSinglePart{
		Type:     typ,
		Subtype:  subtype,
		Params:   map[string]string{"name": filename},
		Encoding: encoding,
		Size:     128,
		Extended: &imapv2.BodyStructureSinglePartExt{
			Disposition: &imapv2.BodyStructureDisposition{
				Value:  "ATTACHMENT",
				Params: map[string]string{"filename": filename},
			},
		},
	}
}

func sampleStructure() imapv2.BodyStructure {
	return &imapv2.BodyStructureMultiPart{
		Subtype: "mixed",
		Children: []imapv2.BodyStructure{
			&imapv2.BodyStructureMultiPart{
				Subtype: "alternative",
				Children: []imapv2.BodyStructure{
					&imapv2.BodyStructureSinglePart{Type: "text", Subtype: "plain", Encoding: "7bit", Params: map[string]string{"charset": "utf-8"}},
					&imapv2.BodyStructureSinglePart{Type: "text", Subtype: "html", Encoding: "quoted-printable"},
				},
			},
			attachmentStructure("application", "pdf", "ETSC160_lab1.pdf", "BASE64"),
			attachmentStructure("image", "png", "board.png", "base64"),
		},
	}
}

func TestBuildTree_Sections(t *testing.T) {
	tree := buildTree(sampleStructure())

	root := tree.root
	if root.MimeType != "multipart/mixed" || len(root.Parts) != 3 {
		t.Fatalf("root = %s with %d parts", root.MimeType, len(root.Parts))
	}
	alt := root.Parts[0]
	if alt.PartID != "1" || len(alt.Parts) != 2 {
		t.Fatalf("alternative part = %q with %d parts", alt.PartID, len(alt.Parts))
	}
	if got := alt.Parts[1].PartID; got != "1.2" {
		t.Errorf("html PartID = %q, want 1.2", got)
	}

	pdf := root.Parts[1]
	if pdf.PartID != "2" || pdf.Filename != "ETSC160_lab1.pdf" || pdf.MimeType != "application/pdf" {
		t.Errorf("pdf part = %+v", pdf)
	}
	if pdf.Body == nil || pdf.Body.AttachmentID != "2" || pdf.Body.Data != "" {
		t.Errorf("pdf body = %+v, want attachment id 2 without data", pdf.Body)
	}
	disposition, ok := pdf.Header("content-disposition")
	if !ok || disposition != `attachment; filename=ETSC160_lab1.pdf` {
		t.Errorf("Content-Disposition = %q, %v", disposition, ok)
	}

	wantEncodings := map[string]string{"1.1": "7bit", "1.2": "quoted-printable", "2": "BASE64", "3": "base64"}
	if !reflect.DeepEqual(tree.encodings, wantEncodings) {
		t.Errorf("encodings = %v, want %v", tree.encodings, wantEncodings)
	}
}

func TestBuildTree_SinglePartMessage(t *testing.T) {
	tree := buildTree(attachmentStructure("application", "pdf", "scan.pdf", "base64"))
	if tree.root.PartID != "" {
		t.Errorf("PartID = %q, want empty", tree.root.PartID)
	}
	if tree.root.Body.AttachmentID != "1" {
		t.Errorf("AttachmentID = %q, want 1", tree.root.Body.AttachmentID)
	}
	if tree.encodings["1"] != "base64" {
		t.Errorf("encodings = %v", tree.encodings)
	}
}

func TestBuildTree_ExtractsWithSectionFetches(t *testing.T) {
	tree := buildTree(sampleStructure())
	bodies := map[string]string{
		"2": "SGVsbG8g\r\nV29ybGQ=\r\n",
		"3": "iVBORw==",
	}

	var fetched []string
	fetcher := extract.FetcherFunc(func(ctx context.Context, section string) (string, error) {
		fetched = append(fetched, section)
		data, err := decodeSection([]byte(bodies[section]), tree.encodings[section])
		if err != nil {
			return "", err
		}
		return extract.EncodeBase64URL(data), nil
	})

	result, err := extract.Extract(context.Background(), tree.root, fetcher)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(result.Problems) != 0 {
		t.Fatalf("Problems = %v", result.Problems)
	}
	if len(result.Attachments) != 2 {
		t.Fatalf("Attachments = %d, want 2", len(result.Attachments))
	}
	if got := string(result.Attachments[0].Data); got != "Hello World" {
		t.Errorf("pdf data = %q, want Hello World", got)
	}
	if got := result.Attachments[1].Data; !reflect.DeepEqual(got, []byte{0x89, 'P', 'N', 'G'}) {
		t.Errorf("png data = %v", got)
	}
	if !reflect.DeepEqual(fetched, []string{"2", "3"}) {
		t.Errorf("fetched = %v, want [2 3]", fetched)
	}
}

func TestBuildTree_DepthBound(t *testing.T) {
	var bs imapv2.BodyStructure = attachmentStructure("application", "pdf", "deep.pdf", "base64")
	for i := 0; i < extract.DefaultMaxDepth+5; i++ {
		bs = &imapv2.BodyStructureMultiPart{Subtype: "mixed", Children: []imapv2.BodyStructure{bs}}
	}

	tree := buildTree(bs)
	depth := 0
	part := tree.root
	for len(part.Parts) > 0 {
		part = part.Parts[0]
		depth++
	}
	if depth != extract.DefaultMaxDepth {
		t.Errorf("tree depth = %d, want %d", depth, extract.DefaultMaxDepth)
	}
	if part.Headers != nil {
		t.Error("truncated part keeps headers, want nil")
	}
}

func TestParseSection(t *testing.T) {
	tests := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{in: "1", want: []int{1}},
		{in: "2.1.3", want: []int{2, 1, 3}},
		{in: "", wantErr: true},
		{in: "0", wantErr: true},
		{in: "1..2", wantErr: true},
		{in: "att-3", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseSection(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseSection(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
			t.Errorf("parseSection(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDecodeSection(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		encoding string
		want     string
	}{
		{name: "base64", raw: "SGVsbG8gV29ybGQ=", encoding: "base64", want: "Hello World"},
		{name: "quoted-printable", raw: "caf=C3=A9", encoding: "quoted-printable", want: "café"},
		{name: "7bit", raw: "plain", encoding: "7bit", want: "plain"},
		{name: "none", raw: "raw bytes", encoding: "", want: "raw bytes"},
		{name: "unknown encoding kept", raw: "as is", encoding: "x-custom", want: "as is"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeSection([]byte(tt.raw), tt.encoding)
			if err != nil {
				t.Fatalf("decodeSection() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("decodeSection() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessageKey(t *testing.T) {
	if got := messageKey("INBOX", 7, 42); got != "imap:INBOX:7:42" {
		t.Errorf("messageKey() = %q", got)
	}
}
