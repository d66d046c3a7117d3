package lakehouse

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// Supported location schemes.
const (
	SchemeS3     = "s3"
	SchemeS3A    = "s3a"
	SchemeGCS    = "gs"
	SchemeFile   = "file"
	SchemeMemory = "memory"
)

var regionPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// TableLocation is a parsed table root of the form scheme://bucket/prefix/.
type TableLocation struct {
	Scheme string
	Bucket string
	Prefix string
}

// ParseLocation validates and normalizes a table URI. The returned prefix
// never starts with a separator and always ends with one.
func ParseLocation(uri string) (TableLocation, error) {
	raw := strings.TrimSpace(uri)
	if raw == "" {
		return TableLocation{}, &ValidationError{Field: "path", Message: "path is required", Value: uri}
	}
	if !strings.Contains(raw, "://") {
		return TableLocation{}, &ValidationError{Field: "path", Message: "path must be of the form scheme://bucket/prefix/", Value: uri}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return TableLocation{}, &ValidationError{Field: "path", Message: fmt.Sprintf("invalid URI: %v", err), Value: uri}
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case SchemeS3, SchemeS3A, SchemeGCS, SchemeFile, SchemeMemory:
	default:
		return TableLocation{}, &ValidationError{Field: "path", Message: fmt.Sprintf("unsupported scheme %q", u.Scheme), Value: uri}
	}

	bucket, p := u.Host, u.Path
	if scheme == SchemeFile && bucket == "" {
		// file:///root/rest maps the first directory to the bucket
		bucket, p, _ = strings.Cut(strings.TrimPrefix(p, "/"), "/")
	}
	if bucket == "" {
		return TableLocation{}, &ValidationError{Field: "path", Message: "bucket is empty", Value: uri}
	}

	prefix := strings.Trim(path.Clean("/"+p), "/")
	if prefix == "" || prefix == "." {
		return TableLocation{}, &ValidationError{Field: "path", Message: "table prefix is empty", Value: uri}
	}

	return TableLocation{
		Scheme: scheme,
		Bucket: bucket,
		Prefix: prefix + "/",
	}, nil
}

// String renders the location as a URI with a trailing separator.
func (l TableLocation) String() string {
	if l.Scheme == SchemeFile {
		return fmt.Sprintf("file:///%s/%s", l.Bucket, l.Prefix)
	}
	return fmt.Sprintf("%s://%s/%s", l.Scheme, l.Bucket, l.Prefix)
}

// Key returns the object key of rel inside the table root.
func (l TableLocation) Key(rel string) string {
	return l.Prefix + strings.TrimPrefix(rel, "/")
}

// Rel strips the table prefix from an object key. Keys outside the table are
// returned unchanged.
func (l TableLocation) Rel(key string) string {
	return strings.TrimPrefix(key, l.Prefix)
}

// ResolveKey maps a path recorded in table metadata to an object key in the
// location's bucket. Relative paths are resolved against the table root.
// Absolute URIs may use either scheme://bucket/key or the single-slash
// scheme:/bucket/key form. A bare /abs/path is a filesystem path and only
// resolves for file locations. ok is false when the path points at another
// bucket.
func (l TableLocation) ResolveKey(p string) (string, bool) {
	var abs string
	switch {
	case hasKnownScheme(p):
		u, err := url.Parse(p)
		if err != nil {
			return "", false
		}
		if u.Host != "" {
			if u.Host != l.Bucket {
				return "", false
			}
			return strings.TrimPrefix(u.Path, "/"), true
		}
		abs = u.Path
	case strings.HasPrefix(p, "/"):
		if l.Scheme != SchemeFile {
			return "", false
		}
		abs = p
	default:
		return l.Key(p), true
	}

	bucket, key, _ := strings.Cut(strings.TrimLeft(abs, "/"), "/")
	if bucket != l.Bucket {
		return "", false
	}
	return key, true
}

func hasKnownScheme(p string) bool {
	scheme, _, ok := strings.Cut(p, ":")
	if !ok {
		return false
	}
	switch strings.ToLower(scheme) {
	case SchemeS3, SchemeS3A, SchemeGCS, SchemeFile, SchemeMemory:
		return true
	}
	return false
}

// ValidateRegion checks an optional storage region.
func ValidateRegion(region string) error {
	if region == "" {
		return nil
	}
	if !regionPattern.MatchString(region) {
		return &ValidationError{Field: "region", Message: "malformed region", Value: region}
	}
	return nil
}
