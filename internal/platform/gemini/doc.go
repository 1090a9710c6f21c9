// Package gemini implements generation.Provider adapters on Google's
// generative media models through the google.golang.org/genai client.
//
// ImagenProvider renders images synchronously, SpeechProvider synthesizes
// narration through a speech-capable Gemini model, and VeoProvider starts
// long-running video operations that the reconciler polls by operation name.
//
// Each adapter turns the task metadata into a request, and every vendor
// response or error into a generation.Outcome or *generation.ProviderError.
// Assets returned inline are written through an AssetWriter; when the Vertex
// AI backend writes to Cloud Storage the gs:// URI is used as is.
package gemini
