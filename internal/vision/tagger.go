package vision

import (
	"bufio"
	"fmt"
	"image"
	"math"
	"os"
	"sort"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/image/draw"
)

// ImageNet normalization for torchvision-style classifiers.
var (
	imagenetMean = [3]float32{0.485, 0.456, 0.406}
	imagenetStd  = [3]float32{0.229, 0.224, 0.225}
)

const inputSide = 224

type TaggerConfig struct {
	ModelPath  string
	LabelsPath string
	LibPath    string
	TopK       int
	MinScore   float32
}

// Tagger labels images with an ONNX classification model. The model is
// loaded on first use; inference is serialized.
type Tagger struct {
	cfg TaggerConfig

	initOnce sync.Once
	initErr  error

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	labels  []string
}

func NewTagger(cfg TaggerConfig) *Tagger {
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = 0.2
	}
	return &Tagger{cfg: cfg}
}

func (t *Tagger) load() error {
	t.initOnce.Do(func() {
		if t.cfg.LibPath != "" {
			ort.SetSharedLibraryPath(t.cfg.LibPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			t.initErr = fmt.Errorf("onnx init environment: %w", err)
			return
		}
		labels, err := readLabels(t.cfg.LabelsPath)
		if err != nil {
			t.initErr = fmt.Errorf("load labels: %w", err)
			return
		}
		inputs, outputs, err := ort.GetInputOutputInfo(t.cfg.ModelPath)
		if err != nil {
			t.initErr = fmt.Errorf("onnx model info: %w", err)
			return
		}
		if len(inputs) == 0 || len(outputs) == 0 {
			t.initErr = fmt.Errorf("onnx model has no inputs or outputs")
			return
		}
		in, err := ort.NewEmptyTensor[float32](inputs[0].Dimensions)
		if err != nil {
			t.initErr = fmt.Errorf("onnx input tensor: %w", err)
			return
		}
		out, err := ort.NewEmptyTensor[float32](outputs[0].Dimensions)
		if err != nil {
			in.Destroy()
			t.initErr = fmt.Errorf("onnx output tensor: %w", err)
			return
		}
		session, err := ort.NewAdvancedSession(t.cfg.ModelPath,
			[]string{inputs[0].Name}, []string{outputs[0].Name},
			[]ort.Value{in}, []ort.Value{out}, nil)
		if err != nil {
			out.Destroy()
			in.Destroy()
			t.initErr = fmt.Errorf("onnx session: %w", err)
			return
		}
		t.session, t.input, t.output, t.labels = session, in, out, labels
	})
	return t.initErr
}

func readLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var labels []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		labels = append(labels, strings.TrimSpace(sc.Text()))
	}
	return labels, sc.Err()
}

// Tags returns up to TopK lowercase labels whose softmax score reaches MinScore.
func (t *Tagger) Tags(data []byte) ([]string, error) {
	if err := t.load(); err != nil {
		return nil, err
	}
	img, err := decodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	pixels := tensorFromImage(img)

	t.mu.Lock()
	in := t.input.GetData()
	if len(in) < len(pixels) {
		t.mu.Unlock()
		return nil, fmt.Errorf("input tensor size %d < %d", len(in), len(pixels))
	}
	copy(in, pixels)
	err = t.session.Run()
	scores := append([]float32(nil), t.output.GetData()...)
	t.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}

	return topLabels(softmax(scores), t.labels, t.cfg.TopK, t.cfg.MinScore), nil
}

func (t *Tagger) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session != nil {
		t.session.Destroy()
		t.input.Destroy()
		t.output.Destroy()
		t.session = nil
	}
}

func softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	maxV := logits[0]
	for _, v := range logits {
		if v > maxV {
			maxV = v
		}
	}
	var sum float64
	out := make([]float32, len(logits))
	for i, v := range logits {
		e := math.Exp(float64(v - maxV))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

func topLabels(scores []float32, labels []string, k int, minScore float32) []string {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })

	var out []string
	for _, i := range idx {
		if len(out) == k || scores[i] < minScore {
			break
		}
		if i >= len(labels) || labels[i] == "" {
			continue
		}
		// imagenet labels look like "n01440764 tench, Tinca tinca"
		label := labels[i]
		if sp := strings.IndexByte(label, ' '); sp > 0 && strings.HasPrefix(label, "n") {
			label = label[sp+1:]
		}
		label = strings.TrimSpace(strings.SplitN(label, ",", 2)[0])
		out = append(out, strings.ToLower(label))
	}
	return out
}

// tensorFromImage resizes to 224x224 and lays out normalized RGB as NCHW.
func tensorFromImage(img image.Image) []float32 {
	dst := image.NewRGBA(image.Rect(0, 0, inputSide, inputSide))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)

	const plane = inputSide * inputSide
	out := make([]float32, 3*plane)
	for y := 0; y < inputSide; y++ {
		for x := 0; x < inputSide; x++ {
			c := dst.RGBAAt(x, y)
			i := y*inputSide + x
			out[i] = (float32(c.R)/255 - imagenetMean[0]) / imagenetStd[0]
			out[plane+i] = (float32(c.G)/255 - imagenetMean[1]) / imagenetStd[1]
			out[2*plane+i] = (float32(c.B)/255 - imagenetMean[2]) / imagenetStd[2]
		}
	}
	return out
}
