package arenalloc

import "github.com/launchdarkly/go-jsonstream/v3/jwriter"

var blockStateMapping = map[bool]string{
	true:  "Occupied",
	false: "Free",
}

// WriteBlocksJson writes one json object per block into an array
func WriteBlocksJson(json *jwriter.Writer, infos []BlockInfo) {
	arrayState := json.Array()
	defer arrayState.End()

	for _, info := range infos {
		obj := arrayState.Object()
		obj.Name("Offset").Int(info.Offset)
		obj.Name("Type").String(blockStateMapping[info.Occupied])
		obj.Name("Size").Int(info.Size)
		obj.Name("Overhead").Int(info.Overhead)
		obj.End()
	}
}

// BlocksJsonString renders a list of blocks as a compact json array, for log messages
func BlocksJsonString(infos []BlockInfo) string {
	writer := jwriter.NewWriter()
	WriteBlocksJson(&writer, infos)
	return string(writer.Bytes())
}
