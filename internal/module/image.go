package module

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/samber/lo"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/tangzhangming/tb/internal/codegen"
)

// funcAlign 段内函数起点对齐，空隙用 int3 填充
const funcAlign = 16

// ============================================================================
// 输出映像
// ============================================================================

// Image 布局完成的模块
type Image struct {
	Module      string
	Target      string
	Sections    []*Section
	Relocations []Relocation
}

// Section 一个输出段
type Section struct {
	Name      string
	Code      []byte
	Functions []Placement
}

// Placement 函数在段中的位置
type Placement struct {
	Name           string `json:"name"`
	Offset         int    `json:"offset"`
	Size           int    `json:"size"`
	StackUsage     int    `json:"stack_usage"`
	PrologueLength int    `json:"prologue_length"`
	Unwind         []byte `json:"unwind,omitempty"`
	Internal       int    `json:"internal_patches"`
}

// Relocation 留给链接器的重定位
type Relocation struct {
	Section string `json:"section"`
	Offset  int    `json:"offset"`
	Symbol  string `json:"symbol"`
	Kind    string `json:"kind"`
}

// Finalize 按加入顺序布局所有函数并解析段内补丁
//
// 段按第一次出现的顺序排列。目标在同一段中的补丁直接写入
// rel32 = 目标 - (位置 + 4) 并标记为内部，其余补丁作为重定位导出。
func (m *Module) Finalize() (*Image, error) {
	funcs := m.Functions()
	if pending := lo.Filter(funcs, func(f *Function, _ int) bool { return f.Output == nil }); len(pending) > 0 {
		names := lo.Map(pending, func(f *Function, _ int) string { return f.Sym.Name })
		return nil, fmt.Errorf("%w: %v", ErrNotCompiled, names)
	}

	img := &Image{Module: m.Name, Target: m.opts.Target.Name()}
	type where struct {
		sec *Section
		off int
		idx int // 在 sec.Functions 中的下标
	}
	placed := make(map[*codegen.FunctionOutput]where, len(funcs))
	bySym := make(map[string]where, len(funcs))

	for _, name := range lo.Uniq(lo.Map(funcs, func(f *Function, _ int) string { return f.Section })) {
		sec := &Section{Name: name}
		for _, f := range funcs {
			if f.Section != name {
				continue
			}
			for len(sec.Code)%funcAlign != 0 {
				sec.Code = append(sec.Code, 0xCC)
			}
			out := f.Output
			w := where{sec, len(sec.Code), len(sec.Functions)}
			placed[out], bySym[f.Sym.Name] = w, w
			sec.Code = append(sec.Code, out.Code...)
			sec.Functions = append(sec.Functions, Placement{
				Name:           f.Sym.Name,
				Offset:         w.off,
				Size:           len(out.Code),
				StackUsage:     out.StackUsage,
				PrologueLength: out.PrologueLength,
				Unwind:         out.Unwind,
			})
		}
		img.Sections = append(img.Sections, sec)
	}

	for _, f := range funcs {
		at := placed[f.Output]
		for i := range f.Output.Patches {
			p := &f.Output.Patches[i]
			pos := at.off + p.Offset
			if target, ok := bySym[p.Target.Name]; ok && target.sec == at.sec {
				binary.LittleEndian.PutUint32(at.sec.Code[pos:], uint32(int32(target.off-(pos+4))))
				p.Internal = true
				at.sec.Functions[at.idx].Internal++
				continue
			}
			img.Relocations = append(img.Relocations, Relocation{
				Section: at.sec.Name,
				Offset:  pos,
				Symbol:  p.Target.Name,
				Kind:    p.Kind.String(),
			})
		}
	}

	m.log.Debug("module finalized",
		zap.Int("sections", len(img.Sections)),
		zap.Int("functions", len(funcs)),
		zap.Int("relocations", len(img.Relocations)),
		zap.Int("bytes", lo.SumBy(img.Sections, func(s *Section) int { return len(s.Code) })))
	return img, nil
}

// Section 按名字查找段
func (img *Image) Section(name string) (*Section, bool) {
	return lo.Find(img.Sections, func(s *Section) bool { return s.Name == name })
}

// Digest 映像内容的 BLAKE2b-256 摘要，相同输入总是得到相同摘要
func (img *Image) Digest() [32]byte {
	h, _ := blake2b.New256(nil)
	writeString := func(s string) {
		var n [8]byte
		binary.LittleEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		io.WriteString(h, s)
	}
	writeString(img.Target)
	for _, sec := range img.Sections {
		writeString(sec.Name)
		writeString(string(sec.Code))
		for _, p := range sec.Functions {
			writeString(fmt.Sprintf("%s@%d+%d", p.Name, p.Offset, p.Size))
			writeString(string(p.Unwind))
		}
	}
	for _, r := range img.Relocations {
		writeString(fmt.Sprintf("%s:%d:%s:%s", r.Section, r.Offset, r.Symbol, r.Kind))
	}

	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// ============================================================================
// 清单
// ============================================================================

type sectionManifest struct {
	Name      string      `json:"name"`
	Size      int         `json:"size"`
	Functions []Placement `json:"functions"`
}

type manifest struct {
	Module      string            `json:"module"`
	Target      string            `json:"target"`
	Digest      string            `json:"digest"`
	Sections    []sectionManifest `json:"sections"`
	Relocations []Relocation      `json:"relocations"`
}

// WriteManifest 以 JSON 写出映像的布局、补丁和展开信息
func (img *Image) WriteManifest(w io.Writer) error {
	sum := img.Digest()
	man := manifest{
		Module: img.Module,
		Target: img.Target,
		Digest: hex.EncodeToString(sum[:]),
		Sections: lo.Map(img.Sections, func(s *Section, _ int) sectionManifest {
			return sectionManifest{Name: s.Name, Size: len(s.Code), Functions: s.Functions}
		}),
		Relocations: img.Relocations,
	}
	if man.Relocations == nil {
		man.Relocations = []Relocation{}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&man); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
