// Package imaging 提供图片尺寸嗅探与按需缩放 / 转码。
// 尺寸嗅探只解析文件头，不做完整解码；格式异常时返回 (0, 0)。
package imaging

import (
	"bytes"
	"encoding/binary"
)

// 可识别的源格式。
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatGIF  = "gif"
	FormatWebP = "webp"
	FormatSVG  = "svg"
)

var (
	pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	gif87        = []byte("GIF87a")
	gif89        = []byte("GIF89a")
)

// DetectFormat 根据魔数识别格式，无法识别时返回空串。
func DetectFormat(data []byte) string {
	switch {
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return FormatJPEG
	case bytes.HasPrefix(data, pngSignature):
		return FormatPNG
	case bytes.HasPrefix(data, gif87), bytes.HasPrefix(data, gif89):
		return FormatGIF
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return FormatWebP
	case looksLikeSVG(data):
		return FormatSVG
	}
	return ""
}

func looksLikeSVG(data []byte) bool {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	head = bytes.TrimSpace(head)
	if bytes.HasPrefix(head, []byte("<svg")) {
		return true
	}
	return (bytes.HasPrefix(head, []byte("<?xml")) || bytes.HasPrefix(head, []byte("<!DOCTYPE svg"))) &&
		bytes.Contains(head, []byte("<svg"))
}

// Dimensions 返回图片的像素宽高，格式不支持或数据损坏时返回 (0, 0)。
func Dimensions(data []byte) (width, height int) {
	switch DetectFormat(data) {
	case FormatJPEG:
		return jpegDimensions(data)
	case FormatPNG:
		return pngDimensions(data)
	case FormatGIF:
		return gifDimensions(data)
	case FormatWebP:
		return webpDimensions(data)
	}
	return 0, 0
}

// jpegDimensions 扫描段结构直到遇到 SOF 标记。
func jpegDimensions(data []byte) (int, int) {
	i := 2
	for i+1 < len(data) {
		if data[i] != 0xFF {
			return 0, 0
		}
		// 标记前允许任意数量的 0xFF 填充
		for i < len(data) && data[i] == 0xFF {
			i++
		}
		if i >= len(data) {
			return 0, 0
		}
		marker := data[i]
		i++

		switch {
		case marker == 0xD8 || marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7):
			// 无长度字段的独立标记
			continue
		case marker == 0xD9 || marker == 0xDA:
			// 到达 EOI / SOS 仍没有 SOF
			return 0, 0
		}

		if i+2 > len(data) {
			return 0, 0
		}
		segLen := int(binary.BigEndian.Uint16(data[i : i+2]))
		if segLen < 2 {
			return 0, 0
		}

		if isSOF(marker) {
			// 长度(2) 精度(1) 高(2) 宽(2)
			if i+7 > len(data) {
				return 0, 0
			}
			h := int(binary.BigEndian.Uint16(data[i+3 : i+5]))
			w := int(binary.BigEndian.Uint16(data[i+5 : i+7]))
			if w == 0 || h == 0 {
				return 0, 0
			}
			return w, h
		}
		i += segLen
	}
	return 0, 0
}

func isSOF(marker byte) bool {
	if marker < 0xC0 || marker > 0xCF {
		return false
	}
	// C4 = DHT, C8 = JPG 扩展, CC = DAC，都不是帧头
	return marker != 0xC4 && marker != 0xC8 && marker != 0xCC
}

// pngDimensions 读取固定偏移处的 IHDR。
func pngDimensions(data []byte) (int, int) {
	if len(data) < 24 || string(data[12:16]) != "IHDR" {
		return 0, 0
	}
	w := binary.BigEndian.Uint32(data[16:20])
	h := binary.BigEndian.Uint32(data[20:24])
	if w == 0 || h == 0 || w > 1<<31-1 || h > 1<<31-1 {
		return 0, 0
	}
	return int(w), int(h)
}

// gifDimensions 读取逻辑屏幕描述符。
func gifDimensions(data []byte) (int, int) {
	if len(data) < 10 {
		return 0, 0
	}
	w := int(binary.LittleEndian.Uint16(data[6:8]))
	h := int(binary.LittleEndian.Uint16(data[8:10]))
	if w == 0 || h == 0 {
		return 0, 0
	}
	return w, h
}

// webpDimensions 支持有损 VP8、无损 VP8L 以及扩展 VP8X 三种首块。
func webpDimensions(data []byte) (int, int) {
	if len(data) < 16 {
		return 0, 0
	}
	switch string(data[12:16]) {
	case "VP8 ":
		// 帧头：3 字节 frame tag + 起始码 9d 01 2a + 14 位宽高
		if len(data) < 30 || data[23] != 0x9d || data[24] != 0x01 || data[25] != 0x2a {
			return 0, 0
		}
		w := int(binary.LittleEndian.Uint16(data[26:28]) & 0x3fff)
		h := int(binary.LittleEndian.Uint16(data[28:30]) & 0x3fff)
		if w == 0 || h == 0 {
			return 0, 0
		}
		return w, h
	case "VP8L":
		// 签名 0x2f 后是 14 位 (宽-1) 与 14 位 (高-1)
		if len(data) < 25 || data[20] != 0x2f {
			return 0, 0
		}
		bits := binary.LittleEndian.Uint32(data[21:25])
		w := int(bits&0x3fff) + 1
		h := int((bits>>14)&0x3fff) + 1
		return w, h
	case "VP8X":
		// 画布宽高各 24 位，存的是 (值-1)
		if len(data) < 30 {
			return 0, 0
		}
		w := int(uint32(data[24])|uint32(data[25])<<8|uint32(data[26])<<16) + 1
		h := int(uint32(data[27])|uint32(data[28])<<8|uint32(data[29])<<16) + 1
		return w, h
	}
	return 0, 0
}
