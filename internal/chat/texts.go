package chat

// User-facing texts produced by the engine itself rather than by the chatbot.
const (
	apologyText = "Sorry, I could not understand the assistant's response. Please try again."

	networkErrorText = "Connection failed. Check your network and try again."

	videoReadyText = "Your video is ready."

	videoRequestedText = "Your video is being generated. It will appear here when it is ready."

	// %s: file name, %s: human readable size
	protectedVideoText = `The video "%s" (%s) was generated, but the workflow returned it as a protected file that needs backend credentials to open.

Configure the workflow to upload the video and return a public videoUrl instead.`

	protectedVideoError = "video is stored behind a protected binary-data URL"

	// %s: file name, %s: human readable size
	fileReceivedText = `The assistant sent the file "%s" (%s).`
)
