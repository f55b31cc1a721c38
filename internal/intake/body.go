package intake

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"
)

// ParseBody extracts the plain-text body of a raw RFC 5322 message. For
// multipart messages the first text/plain part wins, searched depth first.
// HTML alternatives and attachments are dropped. A single-part message is
// returned decoded whatever its type.
func ParseBody(raw []byte) (string, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("parse message: %w", err)
	}
	body, ok, err := plainPart(textproto.MIMEHeader(msg.Header), msg.Body, true)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return body, nil
}

func plainPart(h textproto.MIMEHeader, r io.Reader, top bool) (string, bool, error) {
	ctype := h.Get("Content-Type")
	if ctype == "" {
		ctype = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(ctype)
	if err != nil {
		// Unparseable types are read as plain text.
		mediaType = "text/plain"
	}

	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		boundary := params["boundary"]
		if boundary == "" {
			return "", false, fmt.Errorf("parse message: multipart without boundary")
		}
		mr := multipart.NewReader(r, boundary)
		for {
			part, err := mr.NextRawPart()
			if err == io.EOF {
				return "", false, nil
			}
			if err != nil {
				return "", false, fmt.Errorf("read part: %w", err)
			}
			if isAttachment(part.Header) {
				continue
			}
			body, ok, err := plainPart(part.Header, part, false)
			if err != nil {
				return "", false, err
			}
			if ok {
				return body, true, nil
			}
		}
	case top || mediaType == "text/plain":
		if !top && isAttachment(h) {
			return "", false, nil
		}
		data, err := io.ReadAll(decodeTransfer(h.Get("Content-Transfer-Encoding"), r))
		if err != nil {
			return "", false, fmt.Errorf("decode body: %w", err)
		}
		return string(data), true, nil
	default:
		return "", false, nil
	}
}

func isAttachment(h textproto.MIMEHeader) bool {
	disp, _, err := mime.ParseMediaType(h.Get("Content-Disposition"))
	return err == nil && disp == "attachment"
}

func decodeTransfer(encoding string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, &newlineStripper{r: r})
	default:
		return r
	}
}

// newlineStripper drops CR and LF so wrapped base64 lines decode.
type newlineStripper struct {
	r io.Reader
}

func (s *newlineStripper) Read(p []byte) (int, error) {
	for {
		n, err := s.r.Read(p)
		out := p[:0]
		for _, b := range p[:n] {
			if b != '\r' && b != '\n' {
				out = append(out, b)
			}
		}
		if len(out) > 0 || err != nil {
			return len(out), err
		}
	}
}
