package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"

	"github.com/google/uuid"
)

// AspectRatio of a generated asset.
type AspectRatio string

const (
	AspectLandscape AspectRatio = "landscape"
	AspectPortrait  AspectRatio = "portrait"
	AspectSquare    AspectRatio = "square"
)

var videoAspectAPIMap = map[AspectRatio]string{
	AspectLandscape: "VIDEO_ASPECT_RATIO_LANDSCAPE",
	AspectPortrait:  "VIDEO_ASPECT_RATIO_PORTRAIT",
}

var imageAspectAPIMap = map[AspectRatio]string{
	AspectLandscape: "IMAGE_ASPECT_RATIO_LANDSCAPE",
	AspectPortrait:  "IMAGE_ASPECT_RATIO_PORTRAIT",
	AspectSquare:    "IMAGE_ASPECT_RATIO_SQUARE",
}

// Model keys the upstream routes generation requests by.
var videoModelKeys = map[bool]map[AspectRatio]string{
	// text-to-video
	false: {
		AspectLandscape: "veo_3_1_t2v_fast_ultra",
		AspectPortrait:  "veo_3_1_t2v_fast_portrait_ultra",
	},
	// image-to-video
	true: {
		AspectLandscape: "veo_3_1_i2v_s_fast_ultra",
		AspectPortrait:  "veo_3_1_i2v_s_fast_portrait_ultra",
	},
}

const imageModelKey = "GEM_PIX_2"

// VideoGenerationParams describes one text- or image-to-video request.
type VideoGenerationParams struct {
	Prompt      string
	AspectRatio AspectRatio
	Seed        int64
	// StartImageMediaID switches the request to image-to-video.
	StartImageMediaID string
}

// BuildVideoGenerationBody shapes the upstream video-generation payload. The
// reCAPTCHA token is attached later by the dispatcher; the clientContext here
// carries only the tool identity the upstream expects.
func BuildVideoGenerationBody(p VideoGenerationParams) map[string]interface{} {
	aspect := p.AspectRatio
	if aspect != AspectPortrait {
		aspect = AspectLandscape
	}
	seed := p.Seed
	if seed == 0 {
		seed = int64(rand.Int31())
	}

	isImageToVideo := p.StartImageMediaID != ""
	request := map[string]interface{}{
		"aspectRatio":   videoAspectAPIMap[aspect],
		"seed":          seed,
		"textInput":     map[string]interface{}{"prompt": p.Prompt},
		"videoModelKey": videoModelKeys[isImageToVideo][aspect],
		"metadata":      map[string]interface{}{"sceneId": uuid.NewString()},
	}
	if isImageToVideo {
		request["startImage"] = map[string]interface{}{"mediaId": p.StartImageMediaID}
	}

	return map[string]interface{}{
		"clientContext": map[string]interface{}{
			"tool":            "PINHOLE",
			"userPaygateTier": "PAYGATE_TIER_TWO",
		},
		"requests": []interface{}{request},
	}
}

// BuildImageUploadBody shapes the payload that registers a user-supplied image
// with the upstream asset manager.
func BuildImageUploadBody(rawImageBase64, mimeType string, aspect AspectRatio) map[string]interface{} {
	imageInput := map[string]interface{}{
		"rawImageBytes":  rawImageBase64,
		"mimeType":       mimeType,
		"isUserUploaded": true,
	}
	if api, ok := imageAspectAPIMap[aspect]; ok {
		imageInput["aspectRatio"] = api
	}
	return map[string]interface{}{
		"imageInput": imageInput,
		"clientContext": map[string]interface{}{
			"sessionId": uuid.NewString(),
			"tool":      "ASSET_MANAGER",
		},
	}
}

// ImageGenerationParams describes one text-to-image request.
type ImageGenerationParams struct {
	Prompt         string
	NegativePrompt string
	AspectRatio    AspectRatio
	Seed           int64
}

// BuildImageGenerationBody shapes the upstream image-generation payload.
func BuildImageGenerationBody(p ImageGenerationParams) map[string]interface{} {
	prompt := p.Prompt
	if p.NegativePrompt != "" {
		prompt = fmt.Sprintf("%s, negative prompt: %s", p.Prompt, p.NegativePrompt)
	}
	aspect, ok := imageAspectAPIMap[p.AspectRatio]
	if !ok {
		aspect = imageAspectAPIMap[AspectSquare]
	}
	seed := p.Seed
	if seed == 0 {
		seed = int64(rand.Int31())
	}

	return map[string]interface{}{
		"clientContext": map[string]interface{}{
			"tool":      "BACKBONE",
			"sessionId": uuid.NewString(),
		},
		"imageModelSettings": map[string]interface{}{
			"imageModel":  imageModelKey,
			"aspectRatio": aspect,
		},
		"prompt":        prompt,
		"mediaCategory": "MEDIA_CATEGORY_SCENE",
		"seed":          seed,
	}
}

// BindStartImage attaches a previously uploaded media identifier to a video
// generation body at the field path the upstream reads it from.
func BindStartImage(body map[string]interface{}, mediaID string) error {
	requests, ok := body["requests"].([]interface{})
	if !ok || len(requests) == 0 {
		return errors.New("body has no requests to bind media into")
	}
	first, ok := requests[0].(map[string]interface{})
	if !ok {
		return errors.New("first request entry is not an object")
	}
	first["startImage"] = map[string]interface{}{"mediaId": mediaID}
	return nil
}

// BindRecipeMedia shapes an uploaded asset reference for image-editing recipe
// requests.
func BindRecipeMedia(caption, mediaID string) map[string]interface{} {
	return map[string]interface{}{
		"caption": caption,
		"mediaInput": map[string]interface{}{
			"mediaCategory":     "MEDIA_CATEGORY_REFERENCE_IMAGE",
			"mediaGenerationId": mediaID,
		},
	}
}

// ErrNoMediaID is returned when an upload response decodes cleanly but carries
// no media identifier.
var ErrNoMediaID = errors.New("upload response missing media id")

// uploadResponse is the one schema the upload endpoint answers with. Older
// deployments used a bare mediaId field; both forms are part of the contract.
type uploadResponse struct {
	MediaGenerationID struct {
		MediaGenerationID string `json:"mediaGenerationId"`
	} `json:"mediaGenerationId"`
	MediaID string `json:"mediaId"`
}

// ParseUploadMediaID extracts the media identifier from an upload response.
// It decodes one explicit schema and fails loudly instead of probing
// alternate nested paths.
func ParseUploadMediaID(body json.RawMessage) (string, error) {
	var parsed uploadResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("undecodable upload response: %w", err)
	}
	if parsed.MediaGenerationID.MediaGenerationID != "" {
		return parsed.MediaGenerationID.MediaGenerationID, nil
	}
	if parsed.MediaID != "" {
		return parsed.MediaID, nil
	}
	return "", ErrNoMediaID
}
