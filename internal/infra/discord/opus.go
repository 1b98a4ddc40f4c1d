package discord

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	zlog "github.com/rs/zerolog/log"
)

var opusTags = []byte("OpusTags")

// transcodeFunc starts decoding src into an Ogg/Opus stream.
type transcodeFunc func(ctx context.Context, src string) (io.ReadCloser, error)

// ffmpegTranscoder returns a transcoder that runs ffmpeg. Pages are cut
// every 20ms so each page carries exactly one Discord frame.
func ffmpegTranscoder(path string) transcodeFunc {
	return func(ctx context.Context, src string) (io.ReadCloser, error) {
		cmd := exec.CommandContext(ctx, path,
			"-hide_banner", "-loglevel", "error",
			"-reconnect", "1", "-reconnect_streamed", "1", "-reconnect_delay_max", "5",
			"-i", src,
			"-vn",
			"-c:a", "libopus", "-ar", "48000", "-ac", "2", "-b:a", "128k",
			"-frame_duration", "20", "-page_duration", "20000",
			"-f", "ogg", "pipe:1",
		)
		out, err := cmd.StdoutPipe()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get ffmpeg stdout")
		}
		if err := cmd.Start(); err != nil {
			return nil, errors.Wrap(err, "failed to start ffmpeg")
		}
		zlog.Debug().Msgf("discord: ffmpeg started pid=%d", cmd.Process.Pid)
		return &process{ReadCloser: out, cmd: cmd}, nil
	}
}

// process is ffmpeg's stdout. Closing it kills the process.
type process struct {
	io.ReadCloser
	cmd  *exec.Cmd
	once sync.Once
}

func (p *process) Close() error {
	p.once.Do(func() {
		_ = p.ReadCloser.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
	return nil
}

// oggProvider feeds Opus packets from an Ogg stream to a voice connection.
// onEnd fires exactly once, when the stream ends or the provider is closed.
type oggProvider struct {
	src    io.ReadCloser
	reader *oggreader.OggReader
	onEnd  func(error)
	once   sync.Once
	ended  atomic.Bool
}

// newOggProvider blocks until the stream's identification header arrives.
func newOggProvider(src io.ReadCloser, onEnd func(error)) (*oggProvider, error) {
	reader, header, err := oggreader.NewWith(src)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read ogg header")
	}
	zlog.Debug().Msgf("discord: ogg stream channels=%d rate=%d", header.Channels, header.SampleRate)
	return &oggProvider{src: src, reader: reader, onEnd: onEnd}, nil
}

// ProvideOpusFrame returns the next Opus packet.
func (p *oggProvider) ProvideOpusFrame() ([]byte, error) {
	if p.ended.Load() {
		return nil, io.EOF
	}
	for {
		payload, _, err := p.reader.ParseNextPage()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				err = nil
			}
			p.end(err)
			return nil, io.EOF
		}
		if len(payload) == 0 || bytes.HasPrefix(payload, opusTags) {
			continue
		}
		return payload, nil
	}
}

// Close ends the stream early.
func (p *oggProvider) Close() {
	p.end(nil)
}

func (p *oggProvider) end(err error) {
	p.once.Do(func() {
		p.ended.Store(true)
		_ = p.src.Close()
		if p.onEnd != nil {
			p.onEnd(err)
		}
	})
}
