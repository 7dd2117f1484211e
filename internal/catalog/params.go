package catalog

import (
	"strconv"

	"github.com/sonicvault/sonicvault-go/internal/quality"
)

// QualityParams are the transcoding parameters derived from a quality tier.
type QualityParams struct {
	Tier       quality.Tier
	MaxBitrate int
	// Container lists the containers the client accepts without transcoding
	Container           string
	TranscodingCodec    string
	TranscodingProtocol string
	// Static asks for the original file with no transcode
	Static bool
}

// originalBitrate is large enough that the server never transcodes.
const originalBitrate = 999999999

// ParamsFor maps a tier to the bitrate and codec sent to the server.
// Unknown tiers fall back to the default tier.
func ParamsFor(tier quality.Tier) QualityParams {
	switch tier {
	case quality.Low:
		return lossy(tier, 128000)
	case quality.High:
		return lossy(tier, 320000)
	case quality.Original:
		return QualityParams{
			Tier:                tier,
			MaxBitrate:          originalBitrate,
			Container:           "flac,mp3,m4a,aac,ogg,opus,wav,alac",
			TranscodingCodec:    "flac",
			TranscodingProtocol: "http",
			Static:              true,
		}
	case quality.Medium:
		return lossy(tier, 192000)
	default:
		return ParamsFor(quality.Default)
	}
}

func lossy(tier quality.Tier, bitrate int) QualityParams {
	return QualityParams{
		Tier:                tier,
		MaxBitrate:          bitrate,
		Container:           "mp3",
		TranscodingCodec:    "mp3",
		TranscodingProtocol: "http",
	}
}

// Extension is the file extension a transfer at these params produces.
// Static transfers keep the source container.
func (p QualityParams) Extension(track Track) string {
	if p.Static {
		if ext := track.FileExtension(); ext != "" {
			return ext
		}
	}
	return p.TranscodingCodec
}

// bitrate formats MaxBitrate for a query string.
func (p QualityParams) bitrate() string {
	return strconv.Itoa(p.MaxBitrate)
}
