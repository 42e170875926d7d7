package middleware

import (
	"errors"
	"regexp"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxContentLength is the largest message body accepted, in bytes.
const MaxContentLength = 32768

var remoteIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if len(content) > MaxContentLength {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateLocalID validates an ID minted by the relay (threads, messages).
func ValidateLocalID(kind, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid " + kind + " ID format")
	}
	return nil
}

// ValidateRemoteID validates an ID minted by the remote API (assistants,
// runs, files), such as asst_abc123.
func ValidateRemoteID(kind, id string) error {
	if !remoteIDPattern.MatchString(id) {
		return errors.New("invalid " + kind + " ID format")
	}
	return nil
}

// ValidateFileIDs validates the attachments of a message.
func ValidateFileIDs(ids []string) error {
	if len(ids) > 10 {
		return errors.New("too many file attachments")
	}
	for _, id := range ids {
		if err := ValidateRemoteID("file", id); err != nil {
			return err
		}
	}
	return nil
}

// ValidateTitle validates a thread title.
func ValidateTitle(title string) error {
	if len(title) > 256 {
		return errors.New("title exceeds maximum length")
	}
	if !utf8.ValidString(title) {
		return errors.New("title must be valid UTF-8")
	}
	return nil
}

// ValidateName validates an assistant name.
func ValidateName(name string) error {
	if len(name) > 256 {
		return errors.New("name exceeds maximum length")
	}
	if !utf8.ValidString(name) {
		return errors.New("name must be valid UTF-8")
	}
	return nil
}
