package domain

import "maps"

// Progress keys reported by the external converter.
const (
	ProgressCurrentStep            = "currentStep"
	ProgressLibrary                = "library"
	ProgressExtractedTextLength    = "extractedTextLength"
	ProgressMarkdownLength         = "markdownLength"
	ProgressMethod                 = "method"
	ProgressImagesFound            = "imagesFound"
	ProgressImagesSaved            = "imagesSaved"
	ProgressCurrentPage            = "currentPage"
	ProgressLastSavedImage         = "lastSavedImage"
	ProgressImagesDirectory        = "imagesDirectory"
	ProgressImageExtractionEnabled = "imageExtractionEnabled"
)

type Progress map[string]any

// Clone copies p including nested objects and arrays decoded from JSON.
func (p Progress) Clone() Progress {
	if p == nil {
		return nil
	}
	out := make(Progress, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = cloneValue(item)
		}
		return out
	case Progress:
		return v.Clone()
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Merge returns a new map with other's keys layered over p.
func (p Progress) Merge(other Progress) Progress {
	out := make(Progress, len(p)+len(other))
	maps.Copy(out, p)
	maps.Copy(out, other)
	return out
}

func (p Progress) Number(key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func (p Progress) String(key string) string {
	v, _ := p[key].(string)
	return v
}

func (p Progress) Bool(key string) bool {
	v, _ := p[key].(bool)
	return v
}
