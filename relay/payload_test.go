package relay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildVideoGenerationBodyTextToVideo(t *testing.T) {
	body := BuildVideoGenerationBody(VideoGenerationParams{
		Prompt:      "a dog surfing",
		AspectRatio: AspectLandscape,
		Seed:        42,
	})

	clientContext := body["clientContext"].(map[string]interface{})
	assert.Equal(t, "PINHOLE", clientContext["tool"])
	assert.Equal(t, "PAYGATE_TIER_TWO", clientContext["userPaygateTier"])

	requests := body["requests"].([]interface{})
	require.Len(t, requests, 1)
	request := requests[0].(map[string]interface{})

	assert.Equal(t, "VIDEO_ASPECT_RATIO_LANDSCAPE", request["aspectRatio"])
	assert.Equal(t, "veo_3_1_t2v_fast_ultra", request["videoModelKey"])
	assert.Equal(t, int64(42), request["seed"])
	assert.Equal(t, "a dog surfing", request["textInput"].(map[string]interface{})["prompt"])
	assert.NotContains(t, request, "startImage")

	metadata := request["metadata"].(map[string]interface{})
	assert.NotEmpty(t, metadata["sceneId"])
}

func TestBuildVideoGenerationBodyImageToVideo(t *testing.T) {
	body := BuildVideoGenerationBody(VideoGenerationParams{
		Prompt:            "the scene comes alive",
		AspectRatio:       AspectPortrait,
		StartImageMediaID: "media-123",
	})

	request := body["requests"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "VIDEO_ASPECT_RATIO_PORTRAIT", request["aspectRatio"])
	assert.Equal(t, "veo_3_1_i2v_s_fast_portrait_ultra", request["videoModelKey"])
	assert.Equal(t, map[string]interface{}{"mediaId": "media-123"}, request["startImage"])
	assert.NotZero(t, request["seed"], "an omitted seed must still be populated")
}

func TestBuildVideoGenerationBodyDefaultsToLandscape(t *testing.T) {
	body := BuildVideoGenerationBody(VideoGenerationParams{Prompt: "p", AspectRatio: "ultrawide"})

	request := body["requests"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "VIDEO_ASPECT_RATIO_LANDSCAPE", request["aspectRatio"])
	assert.Equal(t, "veo_3_1_t2v_fast_ultra", request["videoModelKey"])
}

func TestBuildImageGenerationBody(t *testing.T) {
	body := BuildImageGenerationBody(ImageGenerationParams{
		Prompt:      "a lighthouse at dusk",
		AspectRatio: AspectPortrait,
		Seed:        7,
	})

	assert.Equal(t, "a lighthouse at dusk", body["prompt"])
	assert.Equal(t, "MEDIA_CATEGORY_SCENE", body["mediaCategory"])
	assert.Equal(t, int64(7), body["seed"])

	settings := body["imageModelSettings"].(map[string]interface{})
	assert.Equal(t, "GEM_PIX_2", settings["imageModel"])
	assert.Equal(t, "IMAGE_ASPECT_RATIO_PORTRAIT", settings["aspectRatio"])

	clientContext := body["clientContext"].(map[string]interface{})
	assert.Equal(t, "BACKBONE", clientContext["tool"])
	assert.NotEmpty(t, clientContext["sessionId"])
}

func TestBuildImageGenerationBodyMergesNegativePrompt(t *testing.T) {
	body := BuildImageGenerationBody(ImageGenerationParams{
		Prompt:         "a forest",
		NegativePrompt: "people",
	})

	assert.Equal(t, "a forest, negative prompt: people", body["prompt"])
}

func TestBuildImageGenerationBodyDefaultsToSquare(t *testing.T) {
	body := BuildImageGenerationBody(ImageGenerationParams{Prompt: "p"})

	settings := body["imageModelSettings"].(map[string]interface{})
	assert.Equal(t, "IMAGE_ASPECT_RATIO_SQUARE", settings["aspectRatio"])
}

func TestBuildImageUploadBody(t *testing.T) {
	body := BuildImageUploadBody("aW1hZ2U=", "image/png", AspectLandscape)

	imageInput := body["imageInput"].(map[string]interface{})
	assert.Equal(t, "aW1hZ2U=", imageInput["rawImageBytes"])
	assert.Equal(t, "image/png", imageInput["mimeType"])
	assert.Equal(t, true, imageInput["isUserUploaded"])
	assert.Equal(t, "IMAGE_ASPECT_RATIO_LANDSCAPE", imageInput["aspectRatio"])

	clientContext := body["clientContext"].(map[string]interface{})
	assert.Equal(t, "ASSET_MANAGER", clientContext["tool"])
	assert.NotEmpty(t, clientContext["sessionId"])
}

func TestBuildImageUploadBodyUnknownAspectOmitted(t *testing.T) {
	body := BuildImageUploadBody("aW1hZ2U=", "image/jpeg", "")

	imageInput := body["imageInput"].(map[string]interface{})
	assert.NotContains(t, imageInput, "aspectRatio")
}

func TestBindStartImage(t *testing.T) {
	body := BuildVideoGenerationBody(VideoGenerationParams{Prompt: "p"})

	require.NoError(t, BindStartImage(body, "media-77"))

	request := body["requests"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"mediaId": "media-77"}, request["startImage"])
}

func TestBindStartImageRejectsShapelessBody(t *testing.T) {
	assert.Error(t, BindStartImage(map[string]interface{}{}, "media-77"))
	assert.Error(t, BindStartImage(map[string]interface{}{"requests": []interface{}{"not-an-object"}}, "media-77"))
}

func TestBindRecipeMedia(t *testing.T) {
	ref := BindRecipeMedia("the reference", "media-9")

	assert.Equal(t, "the reference", ref["caption"])
	mediaInput := ref["mediaInput"].(map[string]interface{})
	assert.Equal(t, "MEDIA_CATEGORY_REFERENCE_IMAGE", mediaInput["mediaCategory"])
	assert.Equal(t, "media-9", mediaInput["mediaGenerationId"])
}

func TestParseUploadMediaID(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr error
	}{
		{
			name: "nested schema",
			body: `{"mediaGenerationId":{"mediaGenerationId":"gen-1"}}`,
			want: "gen-1",
		},
		{
			name: "legacy flat schema",
			body: `{"mediaId":"flat-2"}`,
			want: "flat-2",
		},
		{
			name:    "decodes but carries no id",
			body:    `{"status":"ok"}`,
			wantErr: ErrNoMediaID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseUploadMediaID(json.RawMessage(tt.body))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseUploadMediaIDUndecodable(t *testing.T) {
	_, err := ParseUploadMediaID(json.RawMessage(`<html>`))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoMediaID)
}
