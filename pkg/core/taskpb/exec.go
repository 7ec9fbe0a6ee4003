// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package taskpb

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/taskflow/pkg/core/blob"
	"github.com/gomlx/taskflow/pkg/core/execgraph"
	"github.com/gomlx/taskflow/pkg/core/ops"
	"google.golang.org/protobuf/encoding/protowire"
)

// ExecSequenceProto: 1 exec_node.
// ExecNodeProto: 1 kernel_conf, 2 bn_in_op2regst_desc_id {1 key, 2 value}.
// KernelConfProto: 1 op_conf, 2 data_type, 3 parallel_ctx {1 parallel_id, 2 parallel_num}, 4 op_attribute.
// OpAttributeProto: 1 input_bns, 2 output_bns, 3 bn_in_op2blob_desc {1 key, 2 value},
// 4 mut_inplace_obn2ibn, 5 con_inplace_obn2ibn.

// MarshalExecSequence encodes an execution sequence.
func MarshalExecSequence(seq *execgraph.ExecSequence) []byte {
	var b []byte
	for _, node := range seq.ExecNodes {
		b = appendMessage(b, 1, func(b []byte) []byte {
			b = appendMessage(b, 1, func(b []byte) []byte { return appendKernelConf(b, node.KernelConf) })
			for _, bn := range sortedKeys(node.BnInOp2RegstDescID) {
				b = appendMessage(b, 2, func(b []byte) []byte {
					b = appendString(b, 1, bn)
					return appendInt64(b, 2, node.BnInOp2RegstDescID[bn])
				})
			}
			return b
		})
	}
	return b
}

func appendKernelConf(b []byte, kc *ops.KernelConf) []byte {
	b = appendMessage(b, 1, func(b []byte) []byte { return appendOpConf(b, kc.OpConf) })
	b = appendInt64(b, 2, int64(kc.DType))
	if pc := kc.ParallelCtx; pc != nil {
		b = appendMessage(b, 3, func(b []byte) []byte { return appendParallelCtx(b, pc) })
	}
	if attr := kc.OpAttribute; attr != nil {
		b = appendMessage(b, 4, func(b []byte) []byte {
			b = appendRepeatedString(b, 1, attr.InputBns)
			b = appendRepeatedString(b, 2, attr.OutputBns)
			for _, bn := range sortedKeys(attr.BlobDescs) {
				b = appendMessage(b, 3, func(b []byte) []byte {
					b = appendString(b, 1, bn)
					return appendMessage(b, 2, func(b []byte) []byte { return appendBlobDesc(b, attr.BlobDescs[bn]) })
				})
			}
			b = appendStringMap(b, 4, attr.MutInplaceObn2Ibn)
			return appendStringMap(b, 5, attr.ConInplaceObn2Ibn)
		})
	}
	return b
}

// UnmarshalExecSequence decodes an execution sequence encoded by MarshalExecSequence.
// Errors wrap ErrFormat.
func UnmarshalExecSequence(b []byte) (*execgraph.ExecSequence, error) {
	seq := &execgraph.ExecSequence{}
	err := forEachField("ExecSequenceProto", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return skipField(num, typ, b)
		}
		return consumeMessage(typ, b, func(b []byte) error {
			node := &execgraph.ExecNodeProto{BnInOp2RegstDescID: make(map[string]int64)}
			err := forEachField("ExecNodeProto", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					return consumeMessage(typ, b, func(b []byte) (err error) {
						node.KernelConf, err = decodeKernelConf(b)
						return
					})
				case 2:
					return consumeMessage(typ, b, func(b []byte) error {
						var bn string
						var id int64
						err := forEachField("BnInOp2RegstDescID", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
							switch num {
							case 1:
								return consumeString(typ, b, &bn)
							case 2:
								return consumeInt64(typ, b, &id)
							default:
								return skipField(num, typ, b)
							}
						})
						node.BnInOp2RegstDescID[bn] = id
						return err
					})
				default:
					return skipField(num, typ, b)
				}
			})
			if err != nil {
				return err
			}
			if node.KernelConf == nil {
				return formatErrorf("ExecNodeProto without kernel_conf")
			}
			seq.ExecNodes = append(seq.ExecNodes, node)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return seq, nil
}

func decodeKernelConf(b []byte) (*ops.KernelConf, error) {
	kc := &ops.KernelConf{DType: dtypes.InvalidDType}
	err := forEachField("KernelConfProto", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, func(b []byte) (err error) {
				kc.OpConf, err = decodeOpConf(b)
				return
			})
		case 2:
			var dtype int64
			n, err := consumeInt64(typ, b, &dtype)
			kc.DType = dtypes.DType(dtype)
			return n, err
		case 3:
			return consumeMessage(typ, b, func(b []byte) (err error) {
				kc.ParallelCtx, err = decodeParallelCtx(b)
				return
			})
		case 4:
			attr := &ops.OpAttribute{
				BlobDescs:         make(map[string]*blob.Desc),
				MutInplaceObn2Ibn: make(map[string]string),
				ConInplaceObn2Ibn: make(map[string]string),
			}
			kc.OpAttribute = attr
			return consumeMessage(typ, b, func(b []byte) error {
				return forEachField("OpAttribute", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					switch num {
					case 1, 2:
						var bn string
						n, err := consumeString(typ, b, &bn)
						if num == 1 {
							attr.InputBns = append(attr.InputBns, bn)
						} else {
							attr.OutputBns = append(attr.OutputBns, bn)
						}
						return n, err
					case 3:
						return consumeMessage(typ, b, func(b []byte) error {
							var bn string
							var desc *blob.Desc
							err := forEachField("BnInOp2BlobDesc", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
								switch num {
								case 1:
									return consumeString(typ, b, &bn)
								case 2:
									return consumeMessage(typ, b, func(b []byte) (err error) {
										desc, err = decodeBlobDesc(b)
										return
									})
								default:
									return skipField(num, typ, b)
								}
							})
							if err == nil && desc == nil {
								err = formatErrorf("bn %q without blob desc", bn)
							}
							attr.BlobDescs[bn] = desc
							return err
						})
					case 4:
						return consumeStringMapEntry(typ, b, attr.MutInplaceObn2Ibn)
					case 5:
						return consumeStringMapEntry(typ, b, attr.ConInplaceObn2Ibn)
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
	if kc.OpConf == nil {
		return nil, formatErrorf("KernelConfProto without op_conf")
	}
	return kc, nil
}
