package render

import (
	"bytes"
	"image/jpeg"
)

// embeddedJPEG is a baseline or progressive JPEG found inside a PDF stream.
type embeddedJPEG struct {
	data          []byte
	width, height int
}

var (
	streamKeyword    = []byte("stream")
	endstreamKeyword = []byte("endstream")
	jpegEOI          = []byte{0xFF, 0xD9}
)

// scanJPEGStreams finds every stream whose body is a JPEG file, in file order.
func scanJPEGStreams(data []byte) []embeddedJPEG {
	var out []embeddedJPEG
	pos := 0
	for {
		i := bytes.Index(data[pos:], streamKeyword)
		if i < 0 {
			return out
		}
		start := pos + i + len(streamKeyword)
		pos = start

		// "endstream" also contains "stream"
		if bytes.HasSuffix(data[:start-len(streamKeyword)], []byte("end")) {
			continue
		}

		// The keyword is followed by CRLF or LF
		if start < len(data) && data[start] == '\r' {
			start++
		}
		if start < len(data) && data[start] == '\n' {
			start++
		}
		if !isJPEG(data[start:]) {
			continue
		}

		end := bytes.Index(data[start:], endstreamKeyword)
		if end < 0 {
			return out
		}
		body := data[start : start+end]
		if eoi := bytes.LastIndex(body, jpegEOI); eoi >= 0 {
			body = body[:eoi+len(jpegEOI)]
		}

		cfg, err := jpeg.DecodeConfig(bytes.NewReader(body))
		if err == nil {
			out = append(out, embeddedJPEG{data: body, width: cfg.Width, height: cfg.Height})
		}
		pos = start + end + len(endstreamKeyword)
	}
}
