// SPDX-License-Identifier: MIT

package packager

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/streamforge/renditiond/internal/model"
)

// PublishedRendition is one surviving rendition at the publish join point.
// Dir is the rendition's segment directory name relative to the job root.
type PublishedRendition struct {
	Spec model.RenditionSpec
	Dir  string
}

type mpdRoot struct {
	XMLName  xml.Name `xml:"MPD"`
	XMLNS    string   `xml:"xmlns,attr"`
	Profiles string   `xml:"profiles,attr"`
	Type     string   `xml:"type,attr"`
	Duration string   `xml:"mediaPresentationDuration,attr"`
	MinBuf   string   `xml:"minBufferTime,attr"`
	Period   mpdPeriod
}

type mpdPeriod struct {
	XMLName        xml.Name `xml:"Period"`
	AdaptationSets []mpdAdaptationSet `xml:"AdaptationSet"`
}

type mpdAdaptationSet struct {
	XMLName         xml.Name `xml:"AdaptationSet"`
	ContentType     string   `xml:"contentType,attr"`
	SegmentAlign    bool     `xml:"segmentAlignment,attr"`
	Representations []mpdRepresentation `xml:"Representation"`
}

type mpdRepresentation struct {
	XMLName   xml.Name `xml:"Representation"`
	ID        string   `xml:"id,attr"`
	Codecs    string   `xml:"codecs,attr"`
	Width     int      `xml:"width,attr"`
	Height    int      `xml:"height,attr"`
	Bandwidth int      `xml:"bandwidth,attr"`
	Template  mpdSegmentTemplate `xml:"SegmentTemplate"`
}

type mpdSegmentTemplate struct {
	XMLName        xml.Name `xml:"SegmentTemplate"`
	Initialization string   `xml:"initialization,attr"`
	Media          string   `xml:"media,attr"`
	Duration       int      `xml:"duration,attr"`
	Timescale      int      `xml:"timescale,attr"`
	StartNumber    int      `xml:"startNumber,attr"`
}

// WriteMasterMPD aggregates the published renditions into one DASH
// manifest, written atomically.
func WriteMasterMPD(path string, durationSec float64, rends []PublishedRendition) error {
	if len(rends) == 0 {
		return fmt.Errorf("no renditions to publish")
	}

	set := mpdAdaptationSet{
		ContentType:  "video",
		SegmentAlign: true,
	}
	for _, r := range rends {
		set.Representations = append(set.Representations, mpdRepresentation{
			ID:        r.Spec.Name,
			Codecs:    rfcCodec(r.Spec.Codec),
			Width:     r.Spec.Width,
			Height:    r.Spec.Height,
			Bandwidth: r.Spec.BitrateKbps * 1000,
			Template: mpdSegmentTemplate{
				Initialization: r.Dir + "/init.mp4",
				Media:          r.Dir + "/seg_$Number$.m4s",
				Duration:       FragmentDurationMS,
				Timescale:      1000,
				StartNumber:    1,
			},
		})
	}

	doc := mpdRoot{
		XMLNS:    "urn:mpeg:dash:schema:mpd:2011",
		Profiles: "urn:mpeg:dash:profile:isoff-live:2011",
		Type:     "static",
		Duration: isoDuration(durationSec),
		MinBuf:   "PT4S",
		Period:   mpdPeriod{AdaptationSets: []mpdAdaptationSet{set}},
	}

	buf, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	out := append([]byte(xml.Header), buf...)
	out = append(out, '\n')
	return renameio.WriteFile(path, out, 0o644)
}

// WriteMasterHLS aggregates the published renditions into one HLS master
// playlist, written atomically.
func WriteMasterHLS(path string, rends []PublishedRendition) error {
	if len(rends) == 0 {
		return fmt.Errorf("no renditions to publish")
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:7\n")
	for _, r := range rends {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,CODECS=\"%s\"\n",
			r.Spec.BitrateKbps*1000, r.Spec.Width, r.Spec.Height, rfcCodec(r.Spec.Codec))
		fmt.Fprintf(&b, "%s/%s\n", r.Dir, MediaPlaylistName)
	}
	return renameio.WriteFile(path, []byte(b.String()), 0o644)
}

// rfcCodec maps a codec family to a representative RFC 6381 codec string.
func rfcCodec(codec string) string {
	switch codec {
	case "hevc", "h265":
		return "hvc1.1.6.L120.90"
	default:
		return "avc1.640028"
	}
}

// isoDuration renders seconds as an ISO 8601 duration, e.g. PT634.6S.
func isoDuration(sec float64) string {
	return fmt.Sprintf("PT%.1fS", sec)
}
