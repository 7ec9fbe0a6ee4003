// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package taskpb

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/taskflow/pkg/core/blob"
	"github.com/gomlx/taskflow/pkg/core/distributed"
	"github.com/gomlx/taskflow/pkg/core/ops"
	"github.com/gomlx/taskflow/pkg/core/shapes"
	"google.golang.org/protobuf/encoding/protowire"
)

// ShapeProto: 1 dtype, 2 dim (packed).
func appendShape(b []byte, shape shapes.Shape) []byte {
	b = appendInt64(b, 1, int64(shape.DType))
	return appendPackedInt64(b, 2, shape.Int64Dims())
}

func decodeShape(b []byte) (shapes.Shape, error) {
	var dtype int64
	var dims []int64
	err := forEachField("ShapeProto", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt64(typ, b, &dtype)
		case 2:
			return consumeRepeatedInt64(typ, b, &dims)
		default:
			return skipField(num, typ, b)
		}
	})
	if err != nil {
		return shapes.Invalid(), err
	}
	shape, err := shapes.FromDims(dtypes.DType(dtype), dims)
	if err != nil {
		return shapes.Invalid(), formatErrorf("ShapeProto: %v", err)
	}
	return shape, nil
}

// LogicalBlobIdProto: 1 op_name, 2 blob_name.
func appendLbi(b []byte, lbi blob.LogicalBlobID) []byte {
	b = appendString(b, 1, lbi.OpName)
	return appendString(b, 2, lbi.BlobName)
}

func decodeLbi(b []byte) (lbi blob.LogicalBlobID, err error) {
	err = forEachField("LogicalBlobIdProto", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &lbi.OpName)
		case 2:
			return consumeString(typ, b, &lbi.BlobName)
		default:
			return skipField(num, typ, b)
		}
	})
	return
}

// BlobDescProto: 1 shape, 2 is_dynamic.
func appendBlobDesc(b []byte, desc *blob.Desc) []byte {
	b = appendMessage(b, 1, func(b []byte) []byte { return appendShape(b, desc.Shape) })
	return appendBool(b, 2, desc.IsDynamic)
}

func decodeBlobDesc(b []byte) (*blob.Desc, error) {
	desc := &blob.Desc{Shape: shapes.Invalid()}
	err := forEachField("BlobDescProto", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, func(b []byte) (err error) {
				desc.Shape, err = decodeShape(b)
				return
			})
		case 2:
			return consumeBool(typ, b, &desc.IsDynamic)
		default:
			return skipField(num, typ, b)
		}
	})
	if err != nil {
		return nil, err
	}
	return desc, nil
}

// SbpParallelProto is a oneof: 1 split_parallel {1 axis}, 2 broadcast_parallel {}, 3 partial_sum_parallel {}.
func appendSbp(b []byte, sbp distributed.SbpParallel) []byte {
	switch sbp.Kind {
	case distributed.SbpSplit:
		return appendMessage(b, 1, func(b []byte) []byte {
			// The axis is always written, since 0 is the most common value.
			b = protowire.AppendTag(b, 1, protowire.VarintType)
			return protowire.AppendVarint(b, uint64(sbp.Axis))
		})
	case distributed.SbpBroadcast:
		return appendMessage(b, 2, func(b []byte) []byte { return b })
	case distributed.SbpPartialSum:
		return appendMessage(b, 3, func(b []byte) []byte { return b })
	default:
		return b
	}
}

func decodeSbp(b []byte) (distributed.SbpParallel, error) {
	var sbp distributed.SbpParallel
	err := forEachField("SbpParallelProto", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, func(b []byte) error {
				axis := -1
				err := forEachField("SplitParallel", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					if num == 1 {
						return consumeInt(typ, b, &axis)
					}
					return skipField(num, typ, b)
				})
				if err != nil {
					return err
				}
				if axis < 0 {
					return formatErrorf("SplitParallel without a valid axis")
				}
				sbp = distributed.Split(axis)
				return nil
			})
		case 2:
			sbp = distributed.Broadcast()
			return consumeMessage(typ, b, func([]byte) error { return nil })
		case 3:
			sbp = distributed.PartialSum()
			return consumeMessage(typ, b, func([]byte) error { return nil })
		default:
			return skipField(num, typ, b)
		}
	})
	if err != nil {
		return sbp, err
	}
	if !sbp.Ok() {
		return sbp, formatErrorf("SbpParallelProto has no parallel set")
	}
	return sbp, nil
}

// CollectiveBoxingConfProto: 1 lbi, 2 logical_shape, 3 src_sbp_parallel, 4 dst_sbp_parallel, 5 num_ranks.
func appendCollectiveBoxingConf(b []byte, conf *ops.CollectiveBoxingConf) []byte {
	b = appendMessage(b, 1, func(b []byte) []byte { return appendLbi(b, conf.Lbi) })
	b = appendMessage(b, 2, func(b []byte) []byte { return appendShape(b, conf.LogicalShape) })
	b = appendMessage(b, 3, func(b []byte) []byte { return appendSbp(b, conf.SrcSbp) })
	b = appendMessage(b, 4, func(b []byte) []byte { return appendSbp(b, conf.DstSbp) })
	return appendInt64(b, 5, int64(conf.NumRanks))
}

func decodeCollectiveBoxingConf(b []byte) (*ops.CollectiveBoxingConf, error) {
	conf := &ops.CollectiveBoxingConf{LogicalShape: shapes.Invalid()}
	var hasShape, hasSrc, hasDst bool
	err := forEachField("CollectiveBoxingConfProto", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, func(b []byte) (err error) {
				conf.Lbi, err = decodeLbi(b)
				return
			})
		case 2:
			hasShape = true
			return consumeMessage(typ, b, func(b []byte) (err error) {
				conf.LogicalShape, err = decodeShape(b)
				return
			})
		case 3:
			hasSrc = true
			return consumeMessage(typ, b, func(b []byte) (err error) {
				conf.SrcSbp, err = decodeSbp(b)
				return
			})
		case 4:
			hasDst = true
			return consumeMessage(typ, b, func(b []byte) (err error) {
				conf.DstSbp, err = decodeSbp(b)
				return
			})
		case 5:
			return consumeInt(typ, b, &conf.NumRanks)
		default:
			return skipField(num, typ, b)
		}
	})
	if err != nil {
		return nil, err
	}
	if !hasShape || !hasSrc || !hasDst {
		return nil, formatErrorf("CollectiveBoxingConfProto requires logical_shape, src_sbp_parallel and dst_sbp_parallel")
	}
	if conf.NumRanks < 1 || conf.NumRanks > distributed.MaxParallelNum {
		return nil, formatErrorf("CollectiveBoxingConfProto: num_ranks %d out of range [1, %d]", conf.NumRanks, distributed.MaxParallelNum)
	}
	return conf, nil
}

// OpConfProto: 1 name, 2 device_tag, and the kind specific conf (oneof): 10 collective_boxing_pack_conf,
// 11 collective_boxing_unpack_conf, 12 transposed_binary_conf, 13 identity_conf, 14 input_conf.
func appendOpConf(b []byte, conf *ops.OpConf) []byte {
	b = appendString(b, 1, conf.Name)
	b = appendString(b, 2, conf.DeviceTag)
	if conf.CollectiveBoxingPack != nil {
		b = appendMessage(b, 10, func(b []byte) []byte { return appendCollectiveBoxingConf(b, conf.CollectiveBoxingPack) })
	}
	if conf.CollectiveBoxingUnpack != nil {
		b = appendMessage(b, 11, func(b []byte) []byte { return appendCollectiveBoxingConf(b, conf.CollectiveBoxingUnpack) })
	}
	if tb := conf.TransposedBinary; tb != nil {
		b = appendMessage(b, 12, func(b []byte) []byte {
			b = appendMessage(b, 1, func(b []byte) []byte { return appendLbi(b, tb.Lhs) })
			b = appendMessage(b, 2, func(b []byte) []byte { return appendLbi(b, tb.Rhs) })
			b = appendString(b, 3, tb.OutName)
			return appendBool(b, 4, tb.Inplace)
		})
	}
	if id := conf.Identity; id != nil {
		b = appendMessage(b, 13, func(b []byte) []byte {
			b = appendMessage(b, 1, func(b []byte) []byte { return appendLbi(b, id.In) })
			return appendString(b, 2, id.OutName)
		})
	}
	if input := conf.Input; input != nil {
		b = appendMessage(b, 14, func(b []byte) []byte {
			b = appendMessage(b, 1, func(b []byte) []byte { return appendShape(b, input.Shape) })
			b = appendBool(b, 2, input.IsDynamic)
			return appendString(b, 3, input.OutName)
		})
	}
	return b
}

func decodeOpConf(b []byte) (*ops.OpConf, error) {
	conf := &ops.OpConf{}
	err := forEachField("OpConfProto", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &conf.Name)
		case 2:
			return consumeString(typ, b, &conf.DeviceTag)
		case 10:
			return consumeMessage(typ, b, func(b []byte) (err error) {
				conf.CollectiveBoxingPack, err = decodeCollectiveBoxingConf(b)
				return
			})
		case 11:
			return consumeMessage(typ, b, func(b []byte) (err error) {
				conf.CollectiveBoxingUnpack, err = decodeCollectiveBoxingConf(b)
				return
			})
		case 12:
			tb := &ops.TransposedBinaryConf{}
			conf.TransposedBinary = tb
			return consumeMessage(typ, b, func(b []byte) error {
				return forEachField("TransposedBinaryConfProto", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					switch num {
					case 1:
						return consumeMessage(typ, b, func(b []byte) (err error) {
							tb.Lhs, err = decodeLbi(b)
							return
						})
					case 2:
						return consumeMessage(typ, b, func(b []byte) (err error) {
							tb.Rhs, err = decodeLbi(b)
							return
						})
					case 3:
						return consumeString(typ, b, &tb.OutName)
					case 4:
						return consumeBool(typ, b, &tb.Inplace)
					default:
						return skipField(num, typ, b)
					}
				})
			})
		case 13:
			id := &ops.IdentityConf{}
			conf.Identity = id
			return consumeMessage(typ, b, func(b []byte) error {
				return forEachField("IdentityConfProto", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					switch num {
					case 1:
						return consumeMessage(typ, b, func(b []byte) (err error) {
							id.In, err = decodeLbi(b)
							return
						})
					case 2:
						return consumeString(typ, b, &id.OutName)
					default:
						return skipField(num, typ, b)
					}
				})
			})
		case 14:
			input := &ops.InputConf{Shape: shapes.Invalid()}
			conf.Input = input
			return consumeMessage(typ, b, func(b []byte) error {
				return forEachField("InputConfProto", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					switch num {
					case 1:
						return consumeMessage(typ, b, func(b []byte) (err error) {
							input.Shape, err = decodeShape(b)
							return
						})
					case 2:
						return consumeBool(typ, b, &input.IsDynamic)
					case 3:
						return consumeString(typ, b, &input.OutName)
					default:
						return skipField(num, typ, b)
					}
				})
			})
		default:
			return skipField(num, typ, b)
		}
	})
	if err != nil {
		return nil, err
	}
	if _, err := conf.Kind(); err != nil {
		return nil, formatErrorf("OpConfProto: %v", err)
	}
	return conf, nil
}

// ParallelContextProto: 1 parallel_id, 2 parallel_num.
func appendParallelCtx(b []byte, pc *distributed.ParallelContext) []byte {
	b = appendInt64(b, 1, int64(pc.ParallelID))
	return appendInt64(b, 2, int64(pc.ParallelNum))
}

func decodeParallelCtx(b []byte) (*distributed.ParallelContext, error) {
	pc := &distributed.ParallelContext{}
	err := forEachField("ParallelContextProto", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt(typ, b, &pc.ParallelID)
		case 2:
			return consumeInt(typ, b, &pc.ParallelNum)
		default:
			return skipField(num, typ, b)
		}
	})
	if err != nil {
		return nil, err
	}
	if err := pc.Validate(); err != nil {
		return nil, formatErrorf("ParallelContextProto: %v", err)
	}
	return pc, nil
}
