package runner

import (
	"context"
	"image"
	"net/http"

	"github.com/BaSui01/framegen/imaging"
	"github.com/BaSui01/framegen/model"
	"github.com/BaSui01/framegen/types"
)

var (
	_ model.Pipeline       = (*Client)(nil)
	_ model.DepthEstimator = (*Client)(nil)
	_ model.FaceAnalyzer   = (*Client)(nil)
	_ model.ImageEncoder   = (*Client)(nil)
	_ model.HealthChecker  = (*Client)(nil)
)

// EstimateDepth 实现 model.DepthEstimator
func (c *Client) EstimateDepth(ctx context.Context, img image.Image) (*model.DepthMap, error) {
	req, err := imagePayload(img)
	if err != nil {
		return nil, err
	}
	var out depthResponse
	if err := c.call(ctx, http.MethodPost, "/v1/depth", "depth", req, &out); err != nil {
		return nil, err
	}
	if out.Width <= 0 || out.Height <= 0 || len(out.Depth) != out.Width*out.Height {
		return nil, types.Errorf(types.ErrUpstreamError, "runner depth map %dx%d has %d values", out.Width, out.Height, len(out.Depth)).
			WithBackend(BackendName)
	}
	return &model.DepthMap{Width: out.Width, Height: out.Height, Values: out.Depth}, nil
}

// DetectFaces 实现 model.FaceAnalyzer
func (c *Client) DetectFaces(ctx context.Context, img image.Image) ([]model.Face, error) {
	req, err := imagePayload(img)
	if err != nil {
		return nil, err
	}
	var out facesResponse
	if err := c.call(ctx, http.MethodPost, "/v1/faces", "faces", req, &out); err != nil {
		return nil, err
	}
	faces := make([]model.Face, 0, len(out.Faces))
	for _, f := range out.Faces {
		faces = append(faces, model.Face{BBox: f.BBox, Score: f.DetScore, Embedding: f.Embedding})
	}
	return faces, nil
}

// EncodeImage 实现 model.ImageEncoder
func (c *Client) EncodeImage(ctx context.Context, img image.Image) ([]float32, error) {
	req, err := imagePayload(img)
	if err != nil {
		return nil, err
	}
	var out embedsResponse
	if err := c.call(ctx, http.MethodPost, "/v1/image-embeds", "image_embeds", req, &out); err != nil {
		return nil, err
	}
	if len(out.Embeds) == 0 {
		return nil, types.NewError(types.ErrUpstreamError, "runner returned empty image embeds").WithBackend(BackendName)
	}
	return out.Embeds, nil
}

// Generate 实现 model.Pipeline。每个适配器都必须带预计算嵌入，
// Runner 以 use_different_ip_adapter_for_each_image 模式调用管线。
func (c *Client) Generate(ctx context.Context, call *model.Call) (*model.Result, error) {
	req := generateRequest{
		Prompt:                            call.Prompt,
		NegativePrompt:                    call.NegativePrompt,
		IPAdapterImageEmbeds:              make([]*model.Tensor, len(call.Adapters)),
		IPAdapterScale:                    call.Scales(),
		NumInferenceSteps:                 call.Steps,
		GuidanceScale:                     call.GuidanceScale,
		ControlNetConditioningScale:       call.ControlNetScale,
		Seed:                              call.Seed,
		Width:                             call.Width,
		Height:                            call.Height,
		UseDifferentIPAdapterForEachImage: true,
	}
	for i, a := range call.Adapters {
		if a.Embeds == nil {
			return nil, types.Errorf(types.ErrAdapterMismatch, "adapter %q has no precomputed embeds", a.Name)
		}
		req.IPAdapterImageEmbeds[i] = a.Embeds
	}
	if call.ControlImage != nil {
		ctrl, err := imaging.EncodePNGBase64(call.ControlImage)
		if err != nil {
			return nil, types.NewError(types.ErrInternalError, "encode control image").WithCause(err)
		}
		req.ControlImage = ctrl
	}

	var out generateResponse
	if err := c.call(ctx, http.MethodPost, "/v1/generate", "generate", req, &out); err != nil {
		return nil, err
	}

	img, err := imaging.DecodeBase64(out.Image)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "runner returned an undecodable image").
			WithCause(err).WithBackend(BackendName)
	}
	seed := out.Seed
	if seed == 0 {
		seed = call.Seed
	}
	return &model.Result{Image: img, Seed: seed}, nil
}

func imagePayload(img image.Image) (*imageRequest, error) {
	s, err := imaging.EncodePNGBase64(img)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "encode image for runner").WithCause(err)
	}
	return &imageRequest{Image: s}, nil
}
