package recording

import (
	"fmt"
	"os"

	"github.com/abema/go-mp4"

	"github.com/lightnvr/core/internal/nvrerr"
	"github.com/lightnvr/core/internal/streamtypes"
)

// muxMP4 writes a single-video-track, faststart MP4 (moov before mdat) for
// the given packets, using github.com/abema/go-mp4's box primitives
// directly rather than a higher-level muxer — the library only exposes the
// ISOBMFF box tree, so every project that uses it (gohlslib included, per
// jmylchreest-tvarr's go.mod) builds its own tree like this one.
//
// Samples are muxed into one mdat as a single chunk; this trades multi-GOP
// seek efficiency for muxing simplicity, acceptable for the fixed-length
// recording segments spec.md §4.3 describes (seeking within a segment is
// the player's problem, not this recorder's).
func muxMP4(path string, info streamtypes.StreamInfo, pkts []streamtypes.Packet) error {
	if len(pkts) == 0 {
		return nvrerr.Fatal("recording.mux", path, nvrerr.ConfigInvalid, fmt.Errorf("no packets to mux"))
	}

	f, err := os.Create(path)
	if err != nil {
		return nvrerr.IO("recording.mux", path, err)
	}
	defer f.Close()

	w := mp4.NewWriter(f)

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeFtyp()}); err != nil {
		return nvrerr.IO("recording.mux.ftyp", path, err)
	}
	if _, err := mp4.Marshal(w, &mp4.Ftyp{
		MajorBrand:       [4]byte{'i', 's', 'o', 'm'},
		MinorVersion:     0x200,
		CompatibleBrands: []mp4.CompatibleBrandElem{{CompatibleBrand: [4]byte{'i', 's', 'o', 'm'}}, {CompatibleBrand: [4]byte{'m', 'p', '4', '2'}}},
	}, mp4.Context{}); err != nil {
		return nvrerr.IO("recording.mux.ftyp", path, err)
	}
	if _, err := w.EndBox(); err != nil {
		return nvrerr.IO("recording.mux.ftyp", path, err)
	}

	timescale := uint32(90000)
	durTicks, sampleSizes, syncSamples := sampleLayout(pkts, timescale)

	moov, err := buildMoov(info, timescale, durTicks, sampleSizes, syncSamples, len(pkts))
	if err != nil {
		return err
	}

	// moov written before mdat (faststart); the chunk offset recorded in
	// stco below is computed from moov's marshaled size plus ftyp, so
	// players can start playback from the first network byte.
	moovSize, err := mp4.Marshal(discardWriter{}, moov, mp4.Context{})
	if err != nil {
		return nvrerr.IO("recording.mux.moov_size", path, err)
	}

	ftypSize := int64(24) // fixed: 8-byte header + major/minor + 2 compatible brands
	mdatHeaderSize := int64(8)
	firstSampleOffset := ftypSize + int64(moovSize) + mdatHeaderSize

	patchChunkOffset(moov, firstSampleOffset)

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMoov()}); err != nil {
		return nvrerr.IO("recording.mux.moov", path, err)
	}
	if _, err := mp4.Marshal(w, moov, mp4.Context{}); err != nil {
		return nvrerr.IO("recording.mux.moov", path, err)
	}
	if _, err := w.EndBox(); err != nil {
		return nvrerr.IO("recording.mux.moov", path, err)
	}

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMdat()}); err != nil {
		return nvrerr.IO("recording.mux.mdat", path, err)
	}
	for _, pkt := range pkts {
		if _, err := w.Write(pkt.Data); err != nil {
			return nvrerr.IO("recording.mux.mdat", path, err)
		}
	}
	if _, err := w.EndBox(); err != nil {
		return nvrerr.IO("recording.mux.mdat", path, err)
	}

	return nil
}

// sampleLayout converts packet PTS/duration into timescale ticks and
// collects per-sample sizes and sync-sample (keyframe) indices for stss.
func sampleLayout(pkts []streamtypes.Packet, timescale uint32) (totalTicks uint64, sizes []uint32, syncSamples []uint32) {
	sizes = make([]uint32, len(pkts))
	for i, p := range pkts {
		sizes[i] = uint32(len(p.Data))
		if p.KeyFrame {
			syncSamples = append(syncSamples, uint32(i+1)) // stss is 1-indexed
		}
	}
	if len(pkts) > 0 {
		span := pkts[len(pkts)-1].PTS - pkts[0].PTS
		totalTicks = uint64(span.Seconds() * float64(timescale))
		if totalTicks == 0 {
			totalTicks = uint64(len(pkts)) // degenerate single-sample fallback
		}
	}
	return
}

func buildMoov(info streamtypes.StreamInfo, timescale uint32, durTicks uint64, sizes, syncSamples []uint32, sampleCount int) (*mp4.Moov, error) {
	sampleDelta := uint32(1)
	if sampleCount > 0 {
		sampleDelta = uint32(durTicks / uint64(sampleCount))
		if sampleDelta == 0 {
			sampleDelta = 1
		}
	}

	stsz := &mp4.Stsz{SampleCount: uint32(sampleCount)}
	stsz.EntrySize = sizes

	stsd := mp4.Stsd{EntryCount: 1}
	if len(info.SPS) > 0 && len(info.PPS) > 0 {
		avc1, err := buildAvc1(info)
		if err != nil {
			return nil, err
		}
		stsd.Avc1 = avc1
	}

	moov := &mp4.Moov{
		Mvhd: mp4.Mvhd{Timescale: timescale, DurationV0: uint32(durTicks), NextTrackID: 2},
		Trak: []mp4.Trak{{
			Tkhd: mp4.Tkhd{
				TrackID:    1,
				Width:      uint32(info.Width) << 16,
				Height:     uint32(info.Height) << 16,
				DurationV0: uint32(durTicks),
				Flags:      [3]byte{0, 0, 3}, // enabled + in movie
			},
			Mdia: mp4.Mdia{
				Mdhd: mp4.Mdhd{Timescale: timescale, DurationV0: uint32(durTicks)},
				Hdlr: mp4.Hdlr{HandlerType: [4]byte{'v', 'i', 'd', 'e'}, Name: "VideoHandler"},
				Minf: mp4.Minf{
					Vmhd: &mp4.Vmhd{},
					Dinf: mp4.Dinf{Dref: mp4.Dref{EntryCount: 1}},
					Stbl: mp4.Stbl{
						Stsd: stsd,
						Stts: mp4.Stts{EntryCount: 1, Entries: []mp4.SttsEntry{{SampleCount: uint32(sampleCount), SampleDelta: sampleDelta}}},
						Stsc: mp4.Stsc{EntryCount: 1, Entries: []mp4.StscEntry{{FirstChunk: 1, SamplesPerChunk: uint32(sampleCount), SampleDescriptionIndex: 1}}},
						Stsz: *stsz,
						Stco: mp4.Stco{EntryCount: 1, ChunkOffset: []uint32{0}}, // patched below
						Stss: &mp4.Stss{EntryCount: uint32(len(syncSamples)), SampleNumber: syncSamples},
					},
				},
			},
		}},
	}
	return moov, nil
}

// buildAvc1 assembles the avc1 visual sample entry (width/height/depth) and
// its nested avcC box from the negotiated SPS/PPS, the way every consumer
// of github.com/abema/go-mp4's box primitives has to — the library exposes
// the ISOBMFF tree, not a muxer that fills in codec-specific sample
// entries for you. Without this, stsd declares one entry and supplies no
// decoder configuration, which no conforming demuxer (ffmpeg included) can
// read.
func buildAvc1(info streamtypes.StreamInfo) (*mp4.Avc1, error) {
	if len(info.SPS) < 4 {
		return nil, nvrerr.Fatal("recording.mux.avcc", "", nvrerr.ConfigInvalid, fmt.Errorf("SPS too short to carry a profile/level (%d bytes)", len(info.SPS)))
	}

	avcc := &mp4.AVCDecoderConfiguration{
		ConfigurationVersion:       1,
		Profile:                    info.SPS[1],
		ProfileCompatibility:       info.SPS[2],
		Level:                      info.SPS[3],
		LengthSizeMinusOne:         3, // 4-byte NAL length prefixes, matching rtspv2's demuxed sample layout
		NumOfSequenceParameterSets: 1,
		SequenceParameterSets: []mp4.AVCParameterSet{{
			Length:  uint16(len(info.SPS)),
			NALUnit: info.SPS,
		}},
		NumOfPictureParameterSets: 1,
		PictureParameterSets: []mp4.AVCParameterSet{{
			Length:  uint16(len(info.PPS)),
			NALUnit: info.PPS,
		}},
	}

	return &mp4.Avc1{
		VisualSampleEntry: mp4.VisualSampleEntry{
			SampleEntry: mp4.SampleEntry{
				DataReferenceIndex: 1,
			},
			Width:           uint16(info.Width),
			Height:          uint16(info.Height),
			Horizresolution: 0x00480000, // 72 dpi, fixed-point 16.16
			Vertresolution:  0x00480000,
			FrameCount:      1,
			Depth:           0x0018,
			PreDefined3:     -1,
		},
		AVCC: avcc,
	}, nil
}

// patchChunkOffset fills in the single chunk's byte offset once the
// preceding boxes' total size is known (the faststart layout means moov's
// own size affects where mdat's sample data begins).
func patchChunkOffset(moov *mp4.Moov, offset int64) {
	if len(moov.Trak) == 0 {
		return
	}
	moov.Trak[0].Mdia.Minf.Stbl.Stco.ChunkOffset = []uint32{uint32(offset)}
}

// discardWriter mirrors io.Discard to size-probe moov without keeping the
// marshaled bytes around twice.
type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
