package mdembeds

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// EmbeddedArgs are the arguments of an attachment embedded in a text body.
type EmbeddedArgs struct {
	// Inline attachment.
	Name string
	Data []byte

	Alt string
	Typ string

	// Remote attachment.
	URL      string
	Size     uint64
	Duration time.Duration
}

// IsAudio returns true if the embed is an audio attachment.
func (args EmbeddedArgs) IsAudio() bool {
	return strings.HasPrefix(args.Typ, "audio/")
}

// escape escapes the chars that are separators in the embed syntax.
func escape(s string) string {
	return url.PathEscape(s)
}

func unescape(k, v string) string {
	decoded, err := url.PathUnescape(v)
	if err != nil {
		return fmt.Sprintf("[err processing %s: %v]", k, err)
	}
	return decoded
}

func (args EmbeddedArgs) String() string {
	var parts []string
	if args.Name != "" {
		parts = append(parts, "name="+escape(args.Name))
	}
	if args.Alt != "" {
		parts = append(parts, "alt="+escape(args.Alt))
	}
	if args.Typ != "" {
		parts = append(parts, "type="+escape(args.Typ))
	}
	if args.URL != "" {
		parts = append(parts, "url="+escape(args.URL))
	}
	if args.Size > 0 {
		parts = append(parts, "size="+strconv.FormatUint(args.Size, 10))
	}
	if args.Duration > 0 {
		parts = append(parts, "duration="+strconv.FormatInt(args.Duration.Milliseconds(), 10))
	}
	if args.Data != nil {
		parts = append(parts, "data="+base64.StdEncoding.EncodeToString(args.Data))
	}

	return "--embed[" + strings.Join(parts, ",") + "]--"
}

var embedRegexp = regexp.MustCompile(`--embed\[.*?\]--`)

// FindAllStringIndex returns a slice with start and end positions for all
// embeds within the specified string.
func FindAllStringIndex(s string) [][]int {
	return embedRegexp.FindAllStringIndex(s, -1)
}

// ParseEmbedArgs parses the given raw embed string, which should be
// --embed[...]--, with the arguments between the brackets.
func ParseEmbedArgs(rawEmbedStr string) EmbeddedArgs {
	var args EmbeddedArgs
	start, end := strings.Index(rawEmbedStr, "["), strings.LastIndex(rawEmbedStr, "]")
	if start < 0 || end <= start {
		return args
	}
	rawArgs := rawEmbedStr[start+1 : end]

	for _, a := range strings.Split(rawArgs, ",") {
		k, v, ok := strings.Cut(a, "=")
		if !ok {
			continue
		}
		switch k {
		case "name", "part":
			args.Name = unescape(k, v)
		case "type":
			args.Typ = unescape(k, v)
		case "alt":
			args.Alt = unescape(k, v)
		case "url":
			args.URL = unescape(k, v)
		case "data":
			decoded, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				decoded = []byte(fmt.Sprintf("[err decoding data: %v]", err))
			}
			args.Data = decoded
		case "size":
			args.Size, _ = strconv.ParseUint(v, 10, 64)
		case "duration":
			ms, _ := strconv.ParseInt(v, 10, 64)
			if ms > 0 {
				args.Duration = time.Duration(ms) * time.Millisecond
			}
		}
	}

	return args
}

// ParseEmbeds returns the args of every embed within s.
func ParseEmbeds(s string) []EmbeddedArgs {
	raw := embedRegexp.FindAllString(s, -1)
	if len(raw) == 0 {
		return nil
	}
	res := make([]EmbeddedArgs, len(raw))
	for i := range raw {
		res[i] = ParseEmbedArgs(raw[i])
	}
	return res
}

// ReplaceEmbeds replaces all the embeds tags of the given text with the result
// of the calling function.
func ReplaceEmbeds(src string, replF func(args EmbeddedArgs) string) string {
	return embedRegexp.ReplaceAllStringFunc(src, func(repl string) string {
		return replF(ParseEmbedArgs(repl))
	})
}
