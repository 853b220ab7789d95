package sink

import (
	"encoding/binary"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// splitAccessUnit parses an Annex-B access unit into NAL units.
func splitAccessUnit(au []byte) ([][]byte, error) {
	var annexB h264.AnnexB
	if err := annexB.Unmarshal(au); err != nil {
		return nil, fmt.Errorf("failed to parse Annex-B access unit: %w", err)
	}
	return annexB, nil
}

// parameterSets returns the first SPS and PPS found in an Annex-B access unit.
func parameterSets(au []byte) (sps, pps []byte, ok bool) {
	nalus, err := splitAccessUnit(au)
	if err != nil {
		return nil, nil, false
	}
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			if sps == nil {
				sps = nalu
			}
		case h264.NALUTypePPS:
			if pps == nil {
				pps = nalu
			}
		}
	}
	return sps, pps, len(sps) >= 4 && len(pps) > 0
}

// toAVCC converts an Annex-B access unit into 4-byte length-prefixed NAL units.
func toAVCC(au []byte) ([]byte, error) {
	nalus, err := splitAccessUnit(au)
	if err != nil {
		return nil, err
	}
	size := 0
	for _, nalu := range nalus {
		size += 4 + len(nalu)
	}
	out := make([]byte, 0, size)
	for _, nalu := range nalus {
		out = binary.BigEndian.AppendUint32(out, uint32(len(nalu)))
		out = append(out, nalu...)
	}
	return out, nil
}

// avcDecoderConfig builds an AVCDecoderConfigurationRecord (avcC) from one SPS and one PPS.
func avcDecoderConfig(sps, pps []byte) []byte {
	out := make([]byte, 0, 11+len(sps)+len(pps))
	out = append(out,
		1,      // configurationVersion
		sps[1], // AVCProfileIndication
		sps[2], // profile_compatibility
		sps[3], // AVCLevelIndication
		0xFF,   // 4-byte NALU lengths
		0xE1,   // one SPS
	)
	out = binary.BigEndian.AppendUint16(out, uint16(len(sps)))
	out = append(out, sps...)
	out = append(out, 1)
	out = binary.BigEndian.AppendUint16(out, uint16(len(pps)))
	out = append(out, pps...)
	return out
}
