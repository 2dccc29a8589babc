package audio

const (
	DefaultSampleRate         = 24000
	DefaultHardwareSampleRate = 48000
)

func GetDefaultEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: DefaultSampleRate, Channels: 1, Format: EncodingLinear16}
}

type EncodingInfo struct {
	SampleRate int
	Channels   int
	Format     encodingFormat
}

type encodingFormat string

// WireName is the name the realtime dialogue protocol uses for the format.
func (e encodingFormat) WireName() string {
	switch e {
	case EncodingMulaw:
		return "g711_ulaw"
	case EncodingALaw:
		return "g711_alaw"
	case EncodingLinear16:
		return "pcm16"
	}
	return ""
}

const (
	EncodingMulaw    encodingFormat = "mulaw"
	EncodingALaw     encodingFormat = "alaw"
	EncodingLinear16 encodingFormat = "linear16"
)
