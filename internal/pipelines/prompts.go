package pipelines

import "strings"

const (
	promptFaceBox = "Locate the most prominent human face in the image. " +
		"Return found=false if there is none, otherwise its bounding box in percent of the image size."

	promptIdentityLabel = "Describe the person whose face is shown with a short stable label " +
		"(apparent age range, hair, distinguishing features). Use the same wording for the same person."

	promptSamePerson = "The two images each show one face. Answer same=true only if both faces " +
		"belong to the same person."
)

func promptCategory(categories []string) string {
	return "Assign the image to exactly one of these categories: " + strings.Join(categories, ", ") + "."
}

func promptRepose(pose string) string {
	return "Generate a new version of the image with the subject in this pose: " + pose +
		". Keep identity, clothing and background unchanged."
}
