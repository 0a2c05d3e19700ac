package voicenote

import (
	"fmt"
	"time"

	"github.com/companyzero/voicenote/internal/audio"
	"github.com/companyzero/voicenote/internal/audio/quality"
	"github.com/companyzero/voicenote/internal/mdembeds"
)

// embedAlt is the alt text of voice note embeds.
const embedAlt = "voice note"

// Note is an uploaded voice note.
type Note struct {
	URL     string
	OwnerID string
	Type    string
	Size    int

	// Status is the quality processing status of the uploaded blob. When
	// it is unprocessed, Reason holds the processing failure.
	Status quality.Status
	Reason error

	Duration time.Duration
}

// Processed returns true if the uploaded blob went through the quality
// pipeline.
func (n Note) Processed() bool {
	return n.Status == quality.StatusProcessed
}

func (n Note) String() string {
	return fmt.Sprintf("%s (%s, %d bytes, %s, %s)", n.URL, n.Type, n.Size,
		n.Duration.Truncate(time.Millisecond), n.Status)
}

// Embed returns the attachment markup for the note, suitable for inclusion in
// a message body.
func (n Note) Embed() string {
	return mdembeds.EmbeddedArgs{
		Typ:      n.Type,
		Alt:      embedAlt,
		URL:      n.URL,
		Size:     uint64(n.Size),
		Duration: n.Duration,
	}.String()
}

// ParseEmbeds returns the voice notes embedded in s. Embeds of other kinds
// are ignored.
func ParseEmbeds(s string) []Note {
	var notes []Note
	for _, args := range mdembeds.ParseEmbeds(s) {
		if !args.IsAudio() || args.URL == "" {
			continue
		}
		// Embeds do not carry the status. Only processed notes are
		// WAV encoded.
		status := quality.StatusUnprocessed
		if audio.BaseType(args.Typ) == audio.TypeWAV {
			status = quality.StatusProcessed
		}
		notes = append(notes, Note{
			URL:      args.URL,
			Type:     args.Typ,
			Size:     int(args.Size),
			Status:   status,
			Duration: args.Duration,
		})
	}
	return notes
}
