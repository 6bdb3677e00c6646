package imap

import (
	"mime"
	"strconv"
	"strings"

	imapv2 "github.com/emersion/go-imap/v2"

	"github.com/dhcgn/notesorter/extract"
	"github.com/dhcgn/notesorter/model"
)

// partTree is a message part tree built from BODYSTRUCTURE. Leaves carry no
// data, only an AttachmentID naming their body section; encodings maps each
// section to its Content-Transfer-Encoding.
type partTree struct {
	root      model.MessagePart
	encodings map[string]string
}

func buildTree(bs imapv2.BodyStructure) partTree {
	tree := partTree{encodings: map[string]string{}}
	tree.root = tree.convert(bs, "", 0)
	return tree
}

func (t *partTree) convert(bs imapv2.BodyStructure, id string, depth int) model.MessagePart {
	switch v := bs.(type) {
	case *imapv2.BodyStructureMultiPart:
		part := model.MessagePart{
			PartID:   id,
			MimeType: v.MediaType(),
		}
		if depth >= extract.DefaultMaxDepth {
			// Headers stay nil so the part is reported as malformed
			return part
		}
		part.Headers = []model.Header{{Name: "Content-Type", Value: v.MediaType()}}
		for i, child := range v.Children {
			part.Parts = append(part.Parts, t.convert(child, childSection(id, i+1), depth+1))
		}
		return part

	case *imapv2.BodyStructureSinglePart:
		section := id
		if section == "" {
			// a non-multipart message keeps its body in section 1
			section = "1"
		}
		t.encodings[section] = v.Encoding
		return model.MessagePart{
			PartID:   id,
			MimeType: v.MediaType(),
			Filename: v.Filename(),
			Headers:  singlePartHeaders(v),
			Body:     &model.PartBody{AttachmentID: section, Size: int64(v.Size)},
		}

	default:
		return model.MessagePart{PartID: id}
	}
}

func singlePartHeaders(v *imapv2.BodyStructureSinglePart) []model.Header {
	headers := []model.Header{{Name: "Content-Type", Value: formatParams(v.MediaType(), v.Params)}}
	if v.Extended != nil && v.Extended.Disposition != nil {
		disposition := v.Extended.Disposition
		headers = append(headers, model.Header{Name: "Content-Disposition", Value: formatParams(disposition.Value, disposition.Params)})
	}
	if v.Encoding != "" {
		headers = append(headers, model.Header{Name: "Content-Transfer-Encoding", Value: strings.ToLower(v.Encoding)})
	}
	if v.ID != "" {
		headers = append(headers, model.Header{Name: "Content-ID", Value: v.ID})
	}
	return headers
}

func formatParams(value string, params map[string]string) string {
	value = strings.ToLower(value)
	if formatted := mime.FormatMediaType(value, params); formatted != "" {
		return formatted
	}
	return value
}

func childSection(parent string, index int) string {
	if parent == "" {
		return strconv.Itoa(index)
	}
	return parent + "." + strconv.Itoa(index)
}

// parseSection turns "1.2" into the part path of a FETCH body section.
func parseSection(section string) ([]int, error) {
	fields := strings.Split(section, ".")
	path := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n <= 0 {
			return nil, &sectionError{section: section}
		}
		path = append(path, n)
	}
	return path, nil
}

type sectionError struct {
	section string
}

func (e *sectionError) Error() string {
	return "invalid body section " + strconv.Quote(e.section)
}
