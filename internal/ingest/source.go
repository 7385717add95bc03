package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/deepch/vdk/av"
	"github.com/deepch/vdk/codec/h264parser"
	"github.com/deepch/vdk/format/rtspv2"

	"github.com/lightnvr/core/internal/config"
	"github.com/lightnvr/core/internal/nvrerr"
	"github.com/lightnvr/core/internal/streamtypes"
)

// Source is the abstract RTSP/RTP input a supervisor worker drives. It is
// the seam between the FSM logic below (tested with a fake) and the real
// github.com/deepch/vdk client, following the Design Notes' guidance to
// wrap every external resource in an owning handle released on every exit
// path.
type Source interface {
	// Open dials the stream. On success, info describes the negotiated
	// video track; an error is always a *nvrerr.Error (OpenFailed or
	// NoVideoTrack).
	Open(ctx context.Context, url string, transport config.Transport) (streamtypes.StreamInfo, error)
	// ReadPacket blocks for the next demuxed packet, respecting ctx.
	// Returns a *nvrerr.Error(ReadError) on any I/O failure.
	ReadPacket(ctx context.Context) (streamtypes.Packet, error)
	// Close releases the underlying connection. Always safe to call more
	// than once.
	Close() error
}

// vdkSource implements Source over github.com/deepch/vdk's RTSP client.
type vdkSource struct {
	name   string
	client *rtspv2.RTSPClient
}

func newVDKSource(name string) *vdkSource {
	return &vdkSource{name: name}
}

func (s *vdkSource) Open(ctx context.Context, url string, transport config.Transport) (streamtypes.StreamInfo, error) {
	opts := rtspv2.RTSPClientOptions{
		URL:              url,
		DisableAudio:     true,
		DialTimeout:      3 * time.Second,
		ReadWriteTimeout: 5 * time.Second,
		Debug:            false,
	}
	if transport == config.TransportUDP {
		opts.UDP = true
	}

	client, err := rtspv2.Dial(opts)
	if err != nil {
		return streamtypes.StreamInfo{}, nvrerr.Transient("ingest.open", s.name, nvrerr.OpenFailed, err)
	}

	var videoInfo streamtypes.StreamInfo
	found := false
	for _, codec := range client.CodecData {
		if codec.Type().IsVideo() {
			found = true
			videoInfo.Codec = codec.Type().String()
			videoInfo.TimeBase = time.Second / 90000
			if vc, ok := codec.(av.VideoCodecData); ok {
				videoInfo.Width = vc.Width()
				videoInfo.Height = vc.Height()
			}
			// The SPS/PPS parameter sets travel with the codec data, not
			// per-packet; internal/recording's MP4 muxer needs them to build
			// a decodable avc1/avcC sample entry, so they're captured here
			// once at Open rather than re-derived from NAL scanning later.
			if h264, ok := codec.(h264parser.CodecData); ok {
				videoInfo.SPS = h264.SPS()
				videoInfo.PPS = h264.PPS()
			}
			break
		}
	}
	if !found {
		client.Close()
		return streamtypes.StreamInfo{}, nvrerr.Fatal("ingest.open", s.name, nvrerr.NoVideoTrack, fmt.Errorf("no video track in %d codecs", len(client.CodecData)))
	}

	s.client = client
	return videoInfo, nil
}

func (s *vdkSource) ReadPacket(ctx context.Context) (streamtypes.Packet, error) {
	if s.client == nil {
		return streamtypes.Packet{}, nvrerr.Transient("ingest.read", s.name, nvrerr.ReadError, fmt.Errorf("source not open"))
	}
	select {
	case <-ctx.Done():
		return streamtypes.Packet{}, nvrerr.Cancelled("ingest.read", s.name)
	case sig := <-s.client.Signals:
		switch sig {
		case rtspv2.SignalStreamRTPStop, rtspv2.SignalCodecUpdate:
			return streamtypes.Packet{}, nvrerr.Transient("ingest.read", s.name, nvrerr.ReadError, fmt.Errorf("stream signal %v", sig))
		}
		return streamtypes.Packet{}, nvrerr.Transient("ingest.read", s.name, nvrerr.ReadError, fmt.Errorf("unhandled signal %v", sig))
	case pkt, ok := <-s.client.OutgoingPacketQueue:
		if !ok {
			return streamtypes.Packet{}, nvrerr.Transient("ingest.read", s.name, nvrerr.ReadError, fmt.Errorf("packet queue closed"))
		}
		return streamtypes.Packet{
			StreamIndex: int(pkt.Idx),
			PTS:         pkt.Time,
			DTS:         pkt.Time - pkt.CompositionTime,
			KeyFrame:    pkt.IsKeyFrame,
			Data:        pkt.Data,
		}, nil
	}
}

func (s *vdkSource) Close() error {
	if s.client == nil {
		return nil
	}
	s.client.Close()
	s.client = nil
	return nil
}
