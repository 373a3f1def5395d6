package notifications

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"

	"github.com/dep2p/go-notifications/pkg/types"
)

// ============================================================================
//                              帧编解码
// ============================================================================
//
// 帧格式: uvarint(len) || payload
//
// 协商完成后双方写出的第一帧是握手，之后都是应用负载。长度为 0 的帧合法。

// writeFrame 写出一帧，长度前缀与负载合并为一次写入
func writeFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 0, varint.UvarintSize(uint64(len(payload)))+len(payload))
	buf = append(buf, varint.ToUvarint(uint64(len(payload)))...)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// readFrame 读取一帧
//
// 声明长度超过 max 或长度前缀不是合法的最短 varint 时返回 ErrProtocolViolation。
// 在帧边界上读到 EOF 时原样返回 io.EOF。
func readFrame(r *bufio.Reader, max int) ([]byte, error) {
	n, err := varint.ReadUvarint(r)
	if err != nil {
		if errors.Is(err, varint.ErrOverflow) || errors.Is(err, varint.ErrNotMinimal) {
			return nil, fmt.Errorf("%w: bad length prefix: %v", types.ErrProtocolViolation, err)
		}
		return nil, err
	}
	if n > uint64(max) {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", types.ErrProtocolViolation, n, max)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
