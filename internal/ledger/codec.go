package ledger

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"PulseNebula/internal/fhe"
	"PulseNebula/internal/types"
)

// encodeSample serializes s as a types.Sample table.
func encodeSample(s *Sample) []byte {
	builder := flatbuffers.NewBuilder(256)

	ownerVec := builder.CreateByteVector(s.Owner[:])
	handleVec := builder.CreateByteVector(s.Handle[:])
	cidOff := builder.CreateString(s.ContentID)

	types.SampleStart(builder)
	types.SampleAddId(builder, s.ID)
	types.SampleAddOwner(builder, ownerVec)
	types.SampleAddHandle(builder, handleVec)
	types.SampleAddContentId(builder, cidOff)
	types.SampleAddMeasurementCount(builder, s.MeasurementCount)
	types.SampleAddMinBpm(builder, s.MinBpm)
	types.SampleAddMaxBpm(builder, s.MaxBpm)
	types.SampleAddDeclaredPublicAverage(builder, s.DeclaredPublicAverage)
	types.SampleAddTimestamp(builder, s.Timestamp)
	types.SampleAddIsPublic(builder, s.IsPublic)
	builder.Finish(types.SampleEnd(builder))

	return builder.FinishedBytes()
}

// decodeSample parses a stored types.Sample table.
func decodeSample(data []byte) (*Sample, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("sample record too short: %d bytes", len(data))
	}

	t := types.GetRootAsSample(data, 0)
	if t.OwnerLength() != 32 || t.HandleLength() != 32 {
		return nil, fmt.Errorf("sample record %d: malformed owner or handle", t.Id())
	}

	s := &Sample{
		ID:                    t.Id(),
		ContentID:             string(t.ContentId()),
		MeasurementCount:      t.MeasurementCount(),
		MinBpm:                t.MinBpm(),
		MaxBpm:                t.MaxBpm(),
		DeclaredPublicAverage: t.DeclaredPublicAverage(),
		Timestamp:             t.Timestamp(),
		IsPublic:              t.IsPublic(),
	}
	copy(s.Owner[:], t.OwnerBytes())
	copy(s.Handle[:], t.HandleBytes())

	return s, nil
}

// aggregate is the in-memory form of the collective aggregate.
type aggregate struct {
	sum           fhe.Handle // sum is the encrypted sum of public values
	count         fhe.Handle // count is the encrypted number of public samples
	contributions uint64     // contributions is the plaintext number of public samples folded in
}

// encodeAggregate serializes a as a types.Aggregate table.
func encodeAggregate(a aggregate) []byte {
	builder := flatbuffers.NewBuilder(128)

	sumVec := builder.CreateByteVector(a.sum[:])
	countVec := builder.CreateByteVector(a.count[:])

	types.AggregateStart(builder)
	types.AggregateAddSum(builder, sumVec)
	types.AggregateAddCount(builder, countVec)
	types.AggregateAddContributions(builder, a.contributions)
	builder.Finish(types.AggregateEnd(builder))

	return builder.FinishedBytes()
}

// decodeAggregate parses a stored types.Aggregate table.
func decodeAggregate(data []byte) (aggregate, error) {
	if len(data) < 8 {
		return aggregate{}, fmt.Errorf("aggregate record too short: %d bytes", len(data))
	}

	t := types.GetRootAsAggregate(data, 0)
	if t.SumLength() != 32 || t.CountLength() != 32 {
		return aggregate{}, fmt.Errorf("aggregate record malformed")
	}

	var a aggregate
	copy(a.sum[:], t.SumBytes())
	copy(a.count[:], t.CountBytes())
	a.contributions = t.Contributions()

	return a, nil
}
