// Package metadata tags cached audio files and prepares their artwork.
package metadata

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bogem/id3v2/v2"
	"github.com/go-flac/flacvorbis"
	"github.com/go-flac/go-flac"
)

// ErrUnsupportedFormat is returned for containers the tagger cannot write.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Config contains tagging configuration
type Config struct {
	EmbedArtwork bool
	ArtworkSize  int
}

// TrackMetadata is the subset of catalog metadata written into cached files.
type TrackMetadata struct {
	Title       string
	Artist      string
	Album       string
	AlbumArtist string
	TrackNumber int
	Year        int
	Genre       string
	ArtworkData []byte
	ArtworkMIME string
}

// Tagger writes ID3v2 tags into MP3 files and Vorbis comments into FLAC files.
type Tagger struct {
	config *Config
}

// NewTagger creates a tagger. A nil config embeds artwork at 600px.
func NewTagger(config *Config) *Tagger {
	if config == nil {
		config = &Config{
			EmbedArtwork: true,
			ArtworkSize:  600,
		}
	}
	return &Tagger{config: config}
}

// Supports reports whether filePath has a container the tagger can write.
func Supports(filePath string) bool {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".mp3", ".flac":
		return true
	}
	return false
}

// Apply writes md into the audio file at filePath.
func (t *Tagger) Apply(filePath string, md *TrackMetadata) error {
	if md == nil {
		return fmt.Errorf("metadata cannot be nil")
	}

	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".mp3":
		return t.applyMP3(filePath, md)
	case ".flac":
		return t.applyFLAC(filePath, md)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

func (t *Tagger) applyMP3(filePath string, md *TrackMetadata) error {
	tag, err := id3v2.Open(filePath, id3v2.Options{Parse: true})
	if err != nil {
		return fmt.Errorf("failed to open MP3 file: %w", err)
	}
	defer tag.Close()

	tag.SetVersion(4)
	tag.SetDefaultEncoding(id3v2.EncodingUTF8)

	if md.Title != "" {
		tag.SetTitle(md.Title)
	}
	if md.Artist != "" {
		tag.SetArtist(md.Artist)
	}
	if md.Album != "" {
		tag.SetAlbum(md.Album)
	}
	if md.Genre != "" {
		tag.SetGenre(md.Genre)
	}
	if md.Year > 0 {
		tag.SetYear(strconv.Itoa(md.Year))
	}
	if md.AlbumArtist != "" {
		tag.DeleteFrames("TPE2")
		tag.AddTextFrame("TPE2", id3v2.EncodingUTF8, md.AlbumArtist)
	}
	if md.TrackNumber > 0 {
		trck := tag.CommonID("Track number/Position in set")
		tag.DeleteFrames(trck)
		tag.AddTextFrame(trck, id3v2.EncodingUTF8, strconv.Itoa(md.TrackNumber))
	}

	if t.config.EmbedArtwork && len(md.ArtworkData) > 0 {
		tag.DeleteFrames(tag.CommonID("Attached picture"))
		tag.AddAttachedPicture(id3v2.PictureFrame{
			Encoding:    id3v2.EncodingUTF8,
			MimeType:    mimeOrDefault(md.ArtworkMIME),
			PictureType: id3v2.PTFrontCover,
			Description: "Front Cover",
			Picture:     md.ArtworkData,
		})
	}

	if err := tag.Save(); err != nil {
		return fmt.Errorf("failed to save MP3 metadata: %w", err)
	}
	return nil
}

func (t *Tagger) applyFLAC(filePath string, md *TrackMetadata) error {
	f, err := flac.ParseFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to parse FLAC file: %w", err)
	}

	var cmtBlock *flac.MetaDataBlock
	for _, block := range f.Meta {
		if block.Type == flac.VorbisComment {
			cmtBlock = block
			break
		}
	}
	if cmtBlock == nil {
		cmtBlock = &flac.MetaDataBlock{Type: flac.VorbisComment}
		f.Meta = append(f.Meta, cmtBlock)
	}

	cmt, err := flacvorbis.ParseFromMetaDataBlock(*cmtBlock)
	if err != nil {
		cmt = flacvorbis.New()
	}

	set := func(field, value string) {
		if value == "" {
			return
		}
		// replace rather than append so re-downloads do not duplicate fields
		prefix := field + "="
		kept := cmt.Comments[:0]
		for _, c := range cmt.Comments {
			if !strings.HasPrefix(strings.ToUpper(c), prefix) {
				kept = append(kept, c)
			}
		}
		cmt.Comments = kept
		_ = cmt.Add(field, value)
	}
	set(flacvorbis.FIELD_TITLE, md.Title)
	set(flacvorbis.FIELD_ARTIST, md.Artist)
	set(flacvorbis.FIELD_ALBUM, md.Album)
	set("ALBUMARTIST", md.AlbumArtist)
	set(flacvorbis.FIELD_GENRE, md.Genre)
	if md.Year > 0 {
		set(flacvorbis.FIELD_DATE, strconv.Itoa(md.Year))
	}
	if md.TrackNumber > 0 {
		set(flacvorbis.FIELD_TRACKNUMBER, strconv.Itoa(md.TrackNumber))
	}

	res := cmt.Marshal()
	cmtBlock.Data = res.Data

	if t.config.EmbedArtwork && len(md.ArtworkData) > 0 {
		hasPicture := false
		for _, block := range f.Meta {
			if block.Type == flac.Picture {
				hasPicture = true
				break
			}
		}
		if !hasPicture {
			f.Meta = append(f.Meta, &flac.MetaDataBlock{
				Type: flac.Picture,
				Data: pictureBlock(md.ArtworkData, mimeOrDefault(md.ArtworkMIME)),
			})
		}
	}

	if err := f.Save(filePath); err != nil {
		return fmt.Errorf("failed to save FLAC file: %w", err)
	}
	return nil
}

// pictureBlock encodes a FLAC PICTURE block body for a front cover.
// Dimensions are left zero for the decoder to determine.
func pictureBlock(imageData []byte, mimeType string) []byte {
	const description = "Front Cover"

	size := 4 + 4 + len(mimeType) + 4 + len(description) + 16 + 4 + len(imageData)
	data := make([]byte, size)
	pos := 0

	writeUint32BE(data[pos:], 3) // front cover
	pos += 4
	writeUint32BE(data[pos:], uint32(len(mimeType)))
	pos += 4
	pos += copy(data[pos:], mimeType)
	writeUint32BE(data[pos:], uint32(len(description)))
	pos += 4
	pos += copy(data[pos:], description)
	// width, height, depth, colors
	pos += 16
	writeUint32BE(data[pos:], uint32(len(imageData)))
	pos += 4
	copy(data[pos:], imageData)

	return data
}

func writeUint32BE(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func mimeOrDefault(mimeType string) string {
	if mimeType == "" {
		return "image/jpeg"
	}
	return mimeType
}

// Read returns the tags currently stored in filePath.
func (t *Tagger) Read(filePath string) (*TrackMetadata, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".mp3":
		return readMP3(filePath)
	case ".flac":
		return readFLAC(filePath)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

func readMP3(filePath string) (*TrackMetadata, error) {
	tag, err := id3v2.Open(filePath, id3v2.Options{Parse: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open MP3 file: %w", err)
	}
	defer tag.Close()

	md := &TrackMetadata{
		Title:  tag.Title(),
		Artist: tag.Artist(),
		Album:  tag.Album(),
		Genre:  tag.Genre(),
	}
	if year, err := strconv.Atoi(tag.Year()); err == nil {
		md.Year = year
	}
	if frames := tag.GetFrames("TPE2"); len(frames) > 0 {
		if tf, ok := frames[0].(id3v2.TextFrame); ok {
			md.AlbumArtist = tf.Text
		}
	}
	if frames := tag.GetFrames(tag.CommonID("Track number/Position in set")); len(frames) > 0 {
		if tf, ok := frames[0].(id3v2.TextFrame); ok {
			if n, err := strconv.Atoi(strings.Split(tf.Text, "/")[0]); err == nil {
				md.TrackNumber = n
			}
		}
	}
	if pictures := tag.GetFrames(tag.CommonID("Attached picture")); len(pictures) > 0 {
		if pic, ok := pictures[0].(id3v2.PictureFrame); ok {
			md.ArtworkData = pic.Picture
			md.ArtworkMIME = pic.MimeType
		}
	}
	return md, nil
}

func readFLAC(filePath string) (*TrackMetadata, error) {
	f, err := flac.ParseFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to parse FLAC file: %w", err)
	}

	md := &TrackMetadata{}
	first := func(cmt *flacvorbis.MetaDataBlockVorbisComment, field string) string {
		if values, err := cmt.Get(field); err == nil && len(values) > 0 {
			return values[0]
		}
		return ""
	}

	for _, block := range f.Meta {
		if block.Type != flac.VorbisComment {
			continue
		}
		cmt, err := flacvorbis.ParseFromMetaDataBlock(*block)
		if err != nil {
			continue
		}
		md.Title = first(cmt, flacvorbis.FIELD_TITLE)
		md.Artist = first(cmt, flacvorbis.FIELD_ARTIST)
		md.Album = first(cmt, flacvorbis.FIELD_ALBUM)
		md.AlbumArtist = first(cmt, "ALBUMARTIST")
		md.Genre = first(cmt, flacvorbis.FIELD_GENRE)
		if year, err := strconv.Atoi(first(cmt, flacvorbis.FIELD_DATE)); err == nil {
			md.Year = year
		}
		if n, err := strconv.Atoi(first(cmt, flacvorbis.FIELD_TRACKNUMBER)); err == nil {
			md.TrackNumber = n
		}
		break
	}
	return md, nil
}
