package server

import (
	"net/url"
	"strconv"
	"strings"
)

// maxMetaFieldLen caps non-file form field values and query values.
const maxMetaFieldLen = 4096

// Content-Disposition values of the recognized form fields.
const (
	cdServerSideProcessing = `form-data; name="server-side-processing"`
	cdFilesPrefix          = `form-data; name="files"; filename=`
	cdDays                 = `form-data; name="days"`
	cdHours                = `form-data; name="hours"`
	cdMinutes              = `form-data; name="minutes"`
	cdEnableMaxDownloads   = `form-data; name="enable-max-downloads"`
	cdMaxDownloads         = `form-data; name="max-downloads"`
	cdEnablePassword       = `form-data; name="enable-password"`
	cdPassword             = `form-data; name="password"`

	valueOn = "on"
)

type formField int

const (
	fieldInvalid formField = iota
	fieldServerSideProcessing
	fieldFiles
	fieldDays
	fieldHours
	fieldMinutes
	fieldEnableMaxDownloads
	fieldMaxDownloads
	fieldEnablePassword
	fieldPassword
)

// matchContentDisposition classifies a part by its Content-Disposition.
func matchContentDisposition(cd string) formField {
	if strings.HasPrefix(cd, cdFilesPrefix) {
		return fieldFiles
	}
	switch cd {
	case cdServerSideProcessing:
		return fieldServerSideProcessing
	case cdDays:
		return fieldDays
	case cdHours:
		return fieldHours
	case cdMinutes:
		return fieldMinutes
	case cdEnableMaxDownloads:
		return fieldEnableMaxDownloads
	case cdMaxDownloads:
		return fieldMaxDownloads
	case cdEnablePassword:
		return fieldEnablePassword
	case cdPassword:
		return fieldPassword
	default:
		return fieldInvalid
	}
}

// fileNameFromCD extracts the quoted filename attribute of a files
// part.
func fileNameFromCD(cd string) (string, bool) {
	_, name, ok := strings.Cut(cd, "filename=")
	if !ok {
		return "", false
	}
	name = strings.TrimSpace(name)
	if len(name) > 2 && strings.HasPrefix(name, `"`) && strings.HasSuffix(name, `"`) {
		return name[1 : len(name)-1], true
	}
	return "", false
}

// boundaryFromContentType extracts the multipart boundary parameter.
func boundaryFromContentType(contentType string) (string, bool) {
	_, rest, ok := strings.Cut(contentType, "boundary")
	if !ok {
		return "", false
	}
	_, boundary, ok := strings.Cut(rest, "=")
	if !ok {
		return "", false
	}
	boundary = strings.TrimSpace(boundary)
	if strings.HasPrefix(boundary, `"`) {
		if len(boundary) < 2 || !strings.HasSuffix(boundary, `"`) {
			return "", false
		}
		boundary = boundary[1 : len(boundary)-1]
	}
	if boundary == "" {
		return "", false
	}
	return boundary, true
}

// uploadForm collects the recognized meta fields of an upload, from
// the query string or the multipart body. Every field may be set at
// most once; a second assignment is a protocol error.
type uploadForm struct {
	serverSideProcessing *bool
	days                 *uint16
	hours                *uint8
	minutes              *uint8
	enableMaxDownloads   *bool
	maxDownloads         *uint32
	enablePassword       *bool
	password             *string
}

// setField parses one form value. It reports false for duplicates and
// unparseable values.
func (f *uploadForm) setField(field formField, value []byte) bool {
	s := string(value)
	switch field {
	case fieldServerSideProcessing:
		return setBool(&f.serverSideProcessing, s)
	case fieldDays:
		return setUint16(&f.days, s)
	case fieldHours:
		return setUint8(&f.hours, s)
	case fieldMinutes:
		return setUint8(&f.minutes, s)
	case fieldEnableMaxDownloads:
		return setBool(&f.enableMaxDownloads, s)
	case fieldMaxDownloads:
		return setUint32(&f.maxDownloads, s)
	case fieldEnablePassword:
		return setBool(&f.enablePassword, s)
	case fieldPassword:
		return setString(&f.password, s)
	default:
		return false
	}
}

// isFieldSet reports whether the field already holds a value.
func (f *uploadForm) isFieldSet(field formField) bool {
	switch field {
	case fieldServerSideProcessing:
		return f.serverSideProcessing != nil
	case fieldDays:
		return f.days != nil
	case fieldHours:
		return f.hours != nil
	case fieldMinutes:
		return f.minutes != nil
	case fieldEnableMaxDownloads:
		return f.enableMaxDownloads != nil
	case fieldMaxDownloads:
		return f.maxDownloads != nil
	case fieldEnablePassword:
		return f.enablePassword != nil
	case fieldPassword:
		return f.password != nil
	default:
		return false
	}
}

func setBool(field **bool, value string) bool {
	if *field != nil {
		return false
	}
	v := value == valueOn
	*field = &v
	return true
}

func setString(field **string, value string) bool {
	if *field != nil {
		return false
	}
	v := value
	*field = &v
	return true
}

func setUint8(field **uint8, value string) bool {
	if *field != nil {
		return false
	}
	parsed, err := strconv.ParseUint(value, 10, 8)
	if err != nil {
		return false
	}
	v := uint8(parsed)
	*field = &v
	return true
}

func setUint16(field **uint16, value string) bool {
	if *field != nil {
		return false
	}
	parsed, err := strconv.ParseUint(value, 10, 16)
	if err != nil {
		return false
	}
	v := uint16(parsed)
	*field = &v
	return true
}

func setUint32(field **uint32, value string) bool {
	if *field != nil {
		return false
	}
	parsed, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return false
	}
	v := uint32(parsed)
	*field = &v
	return true
}

// isPasswordProtected reports whether the form asks for password
// protection and actually carries a password.
func (f *uploadForm) isPasswordProtected() bool {
	return f.enablePassword != nil && *f.enablePassword && f.password != nil
}

// hasTimeLimit reports whether all three time fields are present.
func (f *uploadForm) hasTimeLimit() bool {
	return f.days != nil && f.hours != nil && f.minutes != nil
}

// timeLimitMinutes combines the time fields; call only when
// hasTimeLimit.
func (f *uploadForm) timeLimitMinutes() uint64 {
	return uint64(*f.days)*24*60 + uint64(*f.hours)*60 + uint64(*f.minutes)
}

// wantsMaxDownloads reports whether a download cap was requested.
func (f *uploadForm) wantsMaxDownloads() bool {
	return f.enableMaxDownloads != nil && *f.enableMaxDownloads && f.maxDownloads != nil
}

// formFromLimits builds a form the way the query-string upload path
// does: the time budget arrives as one minute count.
func formFromLimits(minutes uint32, maxDownloads *uint32, password *string) *uploadForm {
	f := &uploadForm{}

	days := uint16(minutes / (60 * 24))
	hours := uint8((minutes % (60 * 24)) / 60)
	mins := uint8(minutes % 60)
	f.days = &days
	f.hours = &hours
	f.minutes = &mins

	if maxDownloads != nil {
		enabled := true
		f.enableMaxDownloads = &enabled
		f.maxDownloads = maxDownloads
	}
	if password != nil {
		enabled := true
		f.enablePassword = &enabled
		f.password = password
	}
	return f
}

// uploadQuery is the parsed upload query string. file-name and
// mime-type being present means the client already encrypted the
// payload and the server must not process it.
type uploadQuery struct {
	minutes      *uint32
	maxDownloads *uint32
	password     *string
	fileName     *string
	mimeType     *string
}

// parseUploadQuery parses the query string; each key at most once,
// unknown keys and oversized values invalidate the whole query.
func parseUploadQuery(rawQuery string) (*uploadQuery, bool) {
	q := &uploadQuery{}

	for _, field := range strings.Split(rawQuery, "&") {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		if len(value) > maxMetaFieldLen {
			return nil, false
		}

		switch key {
		case "minutes":
			if q.minutes != nil {
				return nil, false
			}
			parsed, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, false
			}
			v := uint32(parsed)
			q.minutes = &v
		case "max-downloads":
			if q.maxDownloads != nil {
				return nil, false
			}
			parsed, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, false
			}
			v := uint32(parsed)
			q.maxDownloads = &v
		case "password":
			if q.password != nil {
				return nil, false
			}
			decoded, err := url.QueryUnescape(value)
			if err != nil {
				return nil, false
			}
			q.password = &decoded
		case "file-name":
			if q.fileName != nil {
				return nil, false
			}
			v := value
			q.fileName = &v
		case "mime-type":
			if q.mimeType != nil {
				return nil, false
			}
			v := value
			q.mimeType = &v
		default:
			return nil, false
		}
	}

	return q, true
}
