package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/notesorter/model"
)

// ParseRaw reads an RFC 5322 message and converts it into a part tree with
// every leaf payload inlined as base64url.
func ParseRaw(raw []byte) (model.MessagePart, error) {
	entity, err := ReadEntity(raw)
	if err != nil {
		return model.MessagePart{}, err
	}
	return FromEntity(entity)
}

// ReadEntity parses raw, accepting unknown charsets and transfer encodings
// since attachment bytes are taken as they are.
func ReadEntity(raw []byte) (*message.Entity, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !tolerable(err) {
		return nil, fmt.Errorf("read message: %w", err)
	}
	return entity, nil
}

// FromEntity converts a go-message entity into a part tree. Part ids follow
// IMAP section numbering ("1", "1.2", ...).
func FromEntity(entity *message.Entity) (model.MessagePart, error) {
	if entity == nil {
		return model.MessagePart{}, fmt.Errorf("%w: nil entity", ErrMalformedPart)
	}
	return fromEntity(entity, "", 0)
}

func fromEntity(entity *message.Entity, id string, depth int) (model.MessagePart, error) {
	if depth > DefaultMaxDepth {
		return model.MessagePart{}, fmt.Errorf("%w: nesting deeper than %d", ErrMalformedPart, DefaultMaxDepth)
	}

	mediaType, _, err := entity.Header.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}

	part := model.MessagePart{
		PartID:   id,
		MimeType: mediaType,
		Headers:  headerList(entity.Header),
	}

	if mr := entity.MultipartReader(); mr != nil {
		for i := 1; ; i++ {
			child, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if child == nil {
				return part, fmt.Errorf("part %s: %w", childID(id, i), err)
			}
			converted, err := fromEntity(child, childID(id, i), depth+1)
			if err != nil {
				return part, err
			}
			part.Parts = append(part.Parts, converted)
		}
		return part, nil
	}

	ah := mail.AttachmentHeader{Header: entity.Header}
	if filename, err := ah.Filename(); err == nil {
		part.Filename = filename
	}

	body, err := io.ReadAll(entity.Body)
	if err != nil {
		return part, fmt.Errorf("part %s body: %w", id, err)
	}
	part.Body = &model.PartBody{
		Data: EncodeBase64URL(body),
		Size: int64(len(body)),
	}
	return part, nil
}

func headerList(h message.Header) []model.Header {
	headers := []model.Header{}
	fields := h.Fields()
	for fields.Next() {
		headers = append(headers, model.Header{Name: fields.Key(), Value: fields.Value()})
	}
	return headers
}

func childID(parent string, index int) string {
	if parent == "" {
		return strconv.Itoa(index)
	}
	return parent + "." + strconv.Itoa(index)
}

// tolerable reports go-message errors that still yield a usable entity.
func tolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}
