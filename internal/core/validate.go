package core

import (
	"encoding/base64"
	"strings"

	"github.com/nyaruka/phonenumbers"

	"github.com/Cypherspark/smsgate/internal/envelope"
)

// Decrypter opens encrypted message fields. *envelope.Cipher implements it.
type Decrypter interface {
	Decrypt(s string) (string, error)
}

func (c Content) Validate() error {
	n := 0
	for _, set := range []bool{c.Text != nil, c.Data != nil, c.MMS != nil} {
		if set {
			n++
		}
	}
	if n == 0 {
		return invalid("message", "one of textMessage, dataMessage or mmsMessage is required")
	}
	if n > 1 {
		return invalid("message", "textMessage, dataMessage and mmsMessage are mutually exclusive")
	}

	switch {
	case c.Text != nil:
		if strings.TrimSpace(c.Text.Text) == "" {
			return invalid("textMessage.text", "must not be empty")
		}
	case c.Data != nil:
		if c.Data.Port == 0 {
			return invalid("dataMessage.port", "must be in 1..65535")
		}
		if c.Data.Data == "" {
			return invalid("dataMessage.data", "must not be empty")
		}
		if _, err := base64.StdEncoding.DecodeString(c.Data.Data); err != nil {
			return invalid("dataMessage.data", "must be base64: %v", err)
		}
	case c.MMS != nil:
		if strings.TrimSpace(c.MMS.Text) == "" && len(c.MMS.Attachments) == 0 {
			return invalid("mmsMessage", "text or at least one attachment is required")
		}
		for i, a := range c.MMS.Attachments {
			if a.ContentType == "" {
				return invalid("mmsMessage.attachments", "attachment %d has no contentType", i)
			}
			if a.Data == "" && a.URL == "" {
				return invalid("mmsMessage.attachments", "attachment %d has neither data nor url", i)
			}
		}
	}
	return nil
}

// ValidatePhoneNumber checks that number parses and is a valid number,
// using region for numbers without an international prefix.
func ValidatePhoneNumber(number, region string) error {
	num, err := phonenumbers.Parse(number, region)
	if err != nil {
		return invalid("phoneNumbers", "%q: %v", number, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return invalid("phoneNumbers", "%q is not a valid phone number", number)
	}
	return nil
}

func checkRecipients(numbers []string) error {
	if len(numbers) == 0 {
		return invalid("phoneNumbers", "at least one phone number is required")
	}
	if len(numbers) > MaxRecipients {
		return invalid("phoneNumbers", "at most %d phone numbers are allowed", MaxRecipients)
	}
	seen := make(map[string]struct{}, len(numbers))
	for _, n := range numbers {
		if n == "" {
			return invalid("phoneNumbers", "empty phone number")
		}
		if _, dup := seen[n]; dup {
			return invalid("phoneNumbers", "duplicate phone number %q", n)
		}
		seen[n] = struct{}{}
	}
	return nil
}

// DecryptMessage returns a copy of m with content and phone numbers
// decrypted. Recipients keep their stored (encrypted) keys so that
// PhoneNumbers[i] is the plaintext of Recipients[i].
func DecryptMessage(dec Decrypter, m Message) (Message, error) {
	if dec == nil {
		return m, &DecryptionError{Field: "message", Err: envelope.ErrNoPassphrase}
	}
	open := func(field, s string) (string, error) {
		p, err := dec.Decrypt(s)
		if err != nil {
			return "", &DecryptionError{Field: field, Err: err}
		}
		return p, nil
	}

	out := m
	phones := make([]string, len(m.PhoneNumbers))
	for i, n := range m.PhoneNumbers {
		p, err := open("phoneNumbers", n)
		if err != nil {
			return m, err
		}
		phones[i] = p
	}
	out.PhoneNumbers = phones

	var err error
	switch c := m.Content; {
	case c.Text != nil:
		t := *c.Text
		if t.Text, err = open("textMessage.text", t.Text); err != nil {
			return m, err
		}
		out.Content = Content{Text: &t}
	case c.Data != nil:
		d := *c.Data
		if d.Data, err = open("dataMessage.data", d.Data); err != nil {
			return m, err
		}
		out.Content = Content{Data: &d}
	case c.MMS != nil:
		mms := *c.MMS
		if mms.Text != "" {
			if mms.Text, err = open("mmsMessage.text", mms.Text); err != nil {
				return m, err
			}
		}
		out.Content = Content{MMS: &mms}
	}
	return out, nil
}
