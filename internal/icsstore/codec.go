package icsstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"github.com/marcus/harmony/internal/models"
)

const icsTimeLayout = "20060102T150405Z"

// decode builds an EventObject from raw file bytes. mtime is the fallback
// modification time when the event carries neither LAST-MODIFIED nor DTSTAMP.
func decode(collectionID, id string, data []byte, mtime time.Time) (*models.EventObject, error) {
	ve, _, err := firstEvent(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}

	obj := &models.EventObject{
		ID:           id,
		CollectionID: collectionID,
		Fingerprint:  fingerprint(data),
		ModifiedOn:   mtime.UTC(),
		Data:         data,
	}
	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		obj.UUID = strings.TrimSpace(p.Value)
	}
	for _, prop := range []ical.ComponentProperty{ical.ComponentPropertyLastModified, ical.ComponentPropertyDtstamp} {
		if p := ve.GetProperty(prop); p != nil {
			if t, err := parseICSTime(p.Value); err == nil {
				obj.ModifiedOn = t
				break
			}
		}
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyAttach) {
		if v := strings.TrimSpace(p.Value); v != "" {
			obj.Attachments = append(obj.Attachments, v)
		}
	}
	return obj, nil
}

// fingerprint is the hex SHA-256 of the file bytes.
func fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// encode renders obj as an iCalendar payload. The payload in obj.Data is
// kept as is apart from UID, ATTACH and LAST-MODIFIED, which are rewritten
// from the object's fields. An empty payload yields a minimal event.
func encode(obj models.EventObject) ([]byte, error) {
	var (
		cal *ical.Calendar
		ve  *ical.VEvent
		err error
	)
	if len(bytes.TrimSpace(obj.Data)) == 0 {
		uid := obj.UUID
		if uid == "" {
			uid = uuid.NewString()
		}
		cal = ical.NewCalendar()
		ve = cal.AddEvent(uid)
		ve.SetProperty(ical.ComponentPropertyDtstamp, time.Now().UTC().Format(icsTimeLayout))
	} else if ve, cal, err = firstEvent(obj.Data); err != nil {
		return nil, err
	}

	if obj.UUID != "" {
		ve.SetProperty(ical.ComponentPropertyUniqueId, obj.UUID)
	}
	if !obj.ModifiedOn.IsZero() {
		ve.SetProperty(ical.ComponentPropertyLastModified, obj.ModifiedOn.UTC().Format(icsTimeLayout))
	}
	setAttachments(ve, obj.Attachments)

	return []byte(cal.Serialize()), nil
}

// setUID rewrites the UID of the first event in data.
func setUID(data []byte, uid string) ([]byte, error) {
	ve, cal, err := firstEvent(data)
	if err != nil {
		return nil, err
	}
	ve.SetProperty(ical.ComponentPropertyUniqueId, uid)
	return []byte(cal.Serialize()), nil
}

func setAttachments(ve *ical.VEvent, attachments []string) {
	kept := ve.Properties[:0]
	for _, p := range ve.Properties {
		if p.IANAToken != string(ical.ComponentPropertyAttach) {
			kept = append(kept, p)
		}
	}
	ve.Properties = kept
	for _, a := range attachments {
		ve.AddProperty(ical.ComponentPropertyAttach, a)
	}
}

func firstEvent(data []byte) (*ical.VEvent, *ical.Calendar, error) {
	cal, err := ical.ParseCalendar(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("parse calendar: %w", err)
	}
	events := cal.Events()
	if len(events) == 0 {
		return nil, nil, errors.New("calendar has no VEVENT")
	}
	return events[0], cal, nil
}

// parseICSTime handles the UTC, floating and date-only forms.
func parseICSTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse(icsTimeLayout, v)
	case strings.Contains(v, "T"):
		return time.Parse("20060102T150405", v)
	default:
		return time.Parse("20060102", v)
	}
}
