package synclog

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/paulschiretz/pgl-sync/pkg/util"
)

// Format is the compression used for rotated log archives.
type Format string

const (
	Zstd Format = "zst"
	Gzip Format = "gz"
)

var formatToString = map[Format]string{
	Zstd: "zst",
	Gzip: "gz",
}

var stringToFormat map[string]Format

func init() {
	stringToFormat = util.InvertMap(formatToString)
}

func (f Format) String() string {
	if str, ok := formatToString[f]; ok {
		return str
	}
	return fmt.Sprintf("unknown_log_format(%s)", string(f))
}

// Ext returns the archive file extension including the leading dot.
func (f Format) Ext() string { return "." + f.String() }

func ParseFormat(s string) (Format, error) {
	if f, ok := stringToFormat[s]; ok {
		return f, nil
	}
	return "", fmt.Errorf("invalid log compression: %q. Must be 'zst' or 'gz'", s)
}

// MarshalJSON implements the json.Marshaler interface for Format.
func (f Format) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Format.
func (f *Format) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("log compression should be a string, got %s", data)
	}
	format, err := ParseFormat(s)
	if err != nil {
		return err
	}
	*f = format
	return nil
}
