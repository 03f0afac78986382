package voice

import (
	"encoding/binary"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"slices"
	"strconv"
	"strings"
)

// ErrUnsupportedAudioFormat 表示上传的录音与代理要求的输入格式不一致。
var ErrUnsupportedAudioFormat = errors.New("unsupported audio format")

// 代理未在元数据里声明时使用 ElevenLabs 的默认输入格式
const defaultInputFormat = "pcm_16000"

// raw streams have no header, so only the declared type tells them apart
var rawTypes = map[string][]string{
	"pcm":  {"audio/pcm", "audio/l16", "audio/x-pcm", "audio/raw", "application/octet-stream"},
	"ulaw": {"audio/basic", "audio/pcmu", "audio/mulaw", "audio/x-mulaw", "application/octet-stream"},
}

// inputFormat 对应 user_input_audio_format，例如 pcm_16000、ulaw_8000。
type inputFormat struct {
	codec string
	rate  int
}

func parseInputFormat(format string) inputFormat {
	if strings.TrimSpace(format) == "" {
		format = defaultInputFormat
	}
	codec, rate, _ := strings.Cut(strings.ToLower(strings.TrimSpace(format)), "_")
	f := inputFormat{codec: codec}
	if n, err := strconv.Atoi(rate); err == nil && n > 0 {
		f.rate = n
	} else if codec == "ulaw" {
		f.rate = 8000
	} else {
		f.rate = 16000
	}
	return f
}

func (f inputFormat) String() string {
	return f.codec + "_" + strconv.Itoa(f.rate)
}

// silence 返回一秒静音，帮助服务端 VAD 判断用户说完。只有 pcm 需要。
func (f inputFormat) silence() []byte {
	if f.codec != "pcm" {
		return nil
	}
	return make([]byte, f.rate*2)
}

// prepareAudio 校验录音能否直接发给代理。16bit 单声道 WAV 会去掉文件头，
// webm、ogg 等容器格式直接拒绝。
func prepareAudio(audio []byte, contentType string, f inputFormat) ([]byte, error) {
	if _, ok := rawTypes[f.codec]; !ok {
		return nil, fmt.Errorf("%w: agent input format %s cannot be produced from an upload", ErrUnsupportedAudioFormat, f)
	}

	sniffed := http.DetectContentType(audio)
	if sniffed == "audio/wave" {
		if f.codec != "pcm" {
			return nil, mismatch("audio/wav", f)
		}
		pcm, rate, err := pcmFromWAV(audio)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedAudioFormat, err)
		}
		if rate != f.rate {
			return nil, fmt.Errorf("%w: wav sample rate is %d Hz, agent expects %s", ErrUnsupportedAudioFormat, rate, f)
		}
		return pcm, nil
	}
	if sniffed != "application/octet-stream" && !strings.HasPrefix(sniffed, "text/") {
		return nil, mismatch(sniffed, f)
	}

	declared := mediaType(contentType)
	if declared == "" || slices.Contains(rawTypes[f.codec], declared) {
		return audio, nil
	}
	return nil, mismatch(declared, f)
}

func mismatch(got string, f inputFormat) error {
	return fmt.Errorf("%w: got %s, agent expects %s", ErrUnsupportedAudioFormat, got, f)
}

func mediaType(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// pcmFromWAV 取出 16bit 单声道 PCM WAV 的采样数据
func pcmFromWAV(data []byte) ([]byte, int, error) {
	if len(data) < 12 || string(data[:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, errors.New("not a wav file")
	}
	rate := 0
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := data[off+8:]
		if size > len(body) {
			size = len(body)
		}
		body = body[:size]

		switch id {
		case "fmt ":
			if len(body) < 16 {
				return nil, 0, errors.New("truncated wav fmt chunk")
			}
			format := binary.LittleEndian.Uint16(body[0:2])
			channels := binary.LittleEndian.Uint16(body[2:4])
			bits := binary.LittleEndian.Uint16(body[14:16])
			if format != 1 || channels != 1 || bits != 16 {
				return nil, 0, fmt.Errorf("wav must be 16-bit mono pcm, got format=%d channels=%d bits=%d", format, channels, bits)
			}
			rate = int(binary.LittleEndian.Uint32(body[4:8]))
		case "data":
			if rate == 0 {
				return nil, 0, errors.New("wav data chunk precedes fmt chunk")
			}
			return body, rate, nil
		}
		off += 8 + size + size%2
	}
	return nil, 0, errors.New("wav has no data chunk")
}
