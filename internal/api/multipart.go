package api

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"os"
	"strings"

	"github.com/bookverse/chat/internal/chat"
)

// Opener resolves a picker URI to the attachment bytes.
type Opener func(uri string) (io.ReadCloser, error)

// OpenLocal opens file:// URIs and plain paths from the local disk.
func OpenLocal(uri string) (io.ReadCloser, error) {
	path := strings.TrimPrefix(uri, "file://")
	if path == "" {
		return nil, fmt.Errorf("empty attachment uri")
	}
	return os.Open(path)
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func (c *Client) encodeMultipart(sub chat.Submission) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range sub.Fields {
		if f.File == nil {
			if err := mw.WriteField(f.Name, f.Text); err != nil {
				return nil, "", err
			}
			continue
		}
		if err := c.writeFilePart(mw, f); err != nil {
			return nil, "", fmt.Errorf("attach %s: %w", f.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func (c *Client) writeFilePart(mw *multipart.Writer, f chat.Field) error {
	open := c.Open
	if open == nil {
		open = OpenLocal
	}
	rc, err := open(f.File.URI)
	if err != nil {
		return err
	}
	defer rc.Close()

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(f.Name), quoteEscaper.Replace(f.File.Name)))
	h.Set("Content-Type", f.File.ContentType)
	w, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, rc)
	return err
}
