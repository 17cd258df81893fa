// Package tts implements generation.SpeechSynthesizer against an HTTP
// text-to-speech endpoint that returns narration audio together with SRT
// subtitles.
package tts
