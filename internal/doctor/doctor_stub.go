//go:build !whisper

package doctor

func checkPortAudio() Result {
	return Result{Name: "mic runtime", Pass: false, Detail: "built without the whisper tag; live microphone unavailable"}
}
