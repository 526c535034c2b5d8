package vmcb

import (
	"fmt"

	"github.com/blacktop/go-svm/cpu"
)

// Attribute is the packed 12 bit VMCB segment attribute: descriptor bits
// 40-47 in bits 0-7 and descriptor bits 52-55 in bits 8-11.
type Attribute uint16

const (
	attrType    Attribute = 0xF
	attrS       Attribute = 1 << 4
	attrDPL     Attribute = 3 << 5
	attrP       Attribute = 1 << 7
	attrAVL     Attribute = 1 << 8
	attrL       Attribute = 1 << 9
	attrDB      Attribute = 1 << 10
	attrG       Attribute = 1 << 11
	attrTypeExe Attribute = 1 << 3
)

// Type returns the four descriptor type bits.
func (a Attribute) Type() uint8 { return uint8(a & attrType) }

// CodeOrData reports the S bit: set for code and data segments, clear for
// system segments such as the TSS.
func (a Attribute) CodeOrData() bool { return a&attrS != 0 }

// DPL returns the descriptor privilege level.
func (a Attribute) DPL() uint8 { return uint8((a & attrDPL) >> 5) }

// Present reports the P bit.
func (a Attribute) Present() bool { return a&attrP != 0 }

// Long reports the L bit (64-bit code segment).
func (a Attribute) Long() bool { return a&attrL != 0 }

// DefaultBig reports the D/B bit.
func (a Attribute) DefaultBig() bool { return a&attrDB != 0 }

// Granularity reports the G bit.
func (a Attribute) Granularity() bool { return a&attrG != 0 }

// IsCode reports whether a describes a code segment.
func (a Attribute) IsCode() bool { return a.CodeOrData() && a&attrTypeExe != 0 }

func (a Attribute) String() string {
	return fmt.Sprintf("%#03x(type=%#x s=%t dpl=%d p=%t l=%t db=%t g=%t)",
		uint16(a), a.Type(), a.CodeOrData(), a.DPL(), a.Present(), a.Long(), a.DefaultBig(), a.Granularity())
}

// AttributeFromDescriptor extracts the VMCB attribute of a raw descriptor.
func AttributeFromDescriptor(desc uint64) Attribute {
	return Attribute((desc>>40)&0xFF | ((desc>>52)&0xF)<<8)
}

// SegmentFromGDT decodes the descriptor selector refers to in the GDT
// snapshot gdt whose limit is gdtr.Limit. A null selector yields an
// unusable segment with zero attributes. System descriptors (TSS, LDT) are
// 16 bytes wide and contribute the upper 32 base bits from the next slot.
func SegmentFromGDT(gdt []uint64, gdtr cpu.DescriptorTable, selector uint16) (Segment, error) {
	seg := Segment{Selector: selector}
	if selector&^3 == 0 {
		return seg, nil
	}
	if selector&4 != 0 {
		return seg, fmt.Errorf("vmcb: selector %#x references the LDT", selector)
	}
	idx := int(selector >> 3)
	if uint32(idx)*8+7 > uint32(gdtr.Limit) || idx >= len(gdt) {
		return seg, fmt.Errorf("vmcb: selector %#x beyond GDT limit %#x", selector, gdtr.Limit)
	}

	desc := gdt[idx]
	seg.Attrib = AttributeFromDescriptor(desc)
	seg.Base = (desc>>16)&0xFFFFFF | ((desc>>56)&0xFF)<<24
	seg.Limit = uint32(desc&0xFFFF | ((desc>>48)&0xF)<<16)
	if seg.Attrib.Granularity() {
		seg.Limit = seg.Limit<<12 | 0xFFF
	}
	if !seg.Attrib.CodeOrData() {
		if idx+1 >= len(gdt) {
			return seg, fmt.Errorf("vmcb: system descriptor %#x truncated", selector)
		}
		seg.Base |= (gdt[idx+1] & 0xFFFFFFFF) << 32
	}
	return seg, nil
}
