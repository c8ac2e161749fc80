package chat

import "strings"

// Field is one part of a multipart message submission. Exactly one of Text
// and File is set.
type Field struct {
	Name string
	Text string
	File *FilePart
}

type FilePart struct {
	URI         string
	Name        string
	ContentType string
}

// Submission is the payload of POST /conversations/{id}/messages.
type Submission struct {
	Fields []Field
}

// Text returns the value of a text field.
func (s Submission) Text(name string) (string, bool) {
	for _, f := range s.Fields {
		if f.Name == name && f.File == nil {
			return f.Text, true
		}
	}
	return "", false
}

// Lookup returns the field with the given name.
func (s Submission) Lookup(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

var fileDefaults = map[AttachmentKind]struct{ name, contentType string }{
	KindImage: {"photo.jpg", "image/jpeg"},
	KindVideo: {"video.mp4", "video/mp4"},
	KindAudio: {"audio.mp3", "audio/mpeg"},
	KindFile:  {"file", "application/octet-stream"},
}

// EncodeAttachment turns an attachment into its submission field. Book links
// become a plain text field; everything else is a file part.
func EncodeAttachment(a Attachment) (Field, error) {
	uri := strings.TrimSpace(a.URI)
	if a.Kind == KindBookLink {
		if uri == "" {
			return Field{}, &UnsupportedAttachmentError{Kind: a.Kind, Reason: "empty link"}
		}
		return Field{Name: string(KindBookLink), Text: uri}, nil
	}

	def, ok := fileDefaults[a.Kind]
	if !ok {
		return Field{}, &UnsupportedAttachmentError{Kind: a.Kind}
	}
	if uri == "" {
		return Field{}, &UnsupportedAttachmentError{Kind: a.Kind, Reason: "missing uri"}
	}
	name := strings.TrimSpace(a.Name)
	if name == "" {
		name = def.name
	}
	ct := strings.TrimSpace(a.MIMEType)
	if ct == "" {
		ct = def.contentType
	}
	return Field{
		Name: string(a.Kind),
		File: &FilePart{URI: uri, Name: name, ContentType: ct},
	}, nil
}

// BuildSubmission assembles the fields for one outgoing message. The body
// field is omitted when empty.
func BuildSubmission(body string, att *Attachment, clientMsgID LocalID) (Submission, error) {
	var sub Submission
	if strings.TrimSpace(body) != "" {
		sub.Fields = append(sub.Fields, Field{Name: "body", Text: body})
	}
	if att != nil {
		f, err := EncodeAttachment(*att)
		if err != nil {
			return Submission{}, err
		}
		sub.Fields = append(sub.Fields, f)
	}
	if len(sub.Fields) == 0 {
		return Submission{}, ErrEmptyMessage
	}
	if clientMsgID != "" {
		sub.Fields = append(sub.Fields, Field{Name: "client_msg_id", Text: string(clientMsgID)})
	}
	return sub, nil
}
