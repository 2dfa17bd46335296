package huffman

// englishLetterFrequencies is a built-in default histogram approximating
// English prose byte frequencies, used by EnglishFrequencyTable so the
// string-compressor convenience wrapper has a sensible default without a
// caller needing to sample its own text first. Values are relative weights,
// not proportions; BuildTree normalizes zero entries to 1.
var englishLetterFrequencies = [256]uint32{
	' ': 18000, 'e': 10300, 't': 7800, 'a': 7000, 'o': 6700, 'i': 6300,
	'n': 6300, 's': 6100, 'h': 6100, 'r': 5500, 'd': 4300, 'l': 3500,
	'c': 2800, 'u': 2500, 'm': 2400, 'w': 2300, 'f': 2200, 'g': 2000,
	'y': 2000, 'p': 1900, 'b': 1500, 'v': 1000, 'k': 800, 'j': 150,
	'x': 150, 'q': 100, 'z': 70,
	'E': 400, 'T': 400, 'A': 350, 'O': 300, 'I': 350, 'N': 300, 'S': 350,
	'H': 300, 'R': 280, 'D': 250, 'L': 220, 'C': 230, 'U': 150, 'M': 250,
	'W': 200, 'F': 150, 'G': 150, 'Y': 150, 'P': 180, 'B': 180, 'V': 90,
	'K': 70, 'J': 60, 'X': 30, 'Q': 20, 'Z': 20,
	'.': 1200, ',': 1400, '\n': 900, '\'': 300, '"': 250, '-': 300,
	'0': 120, '1': 120, '2': 100, '3': 80, '4': 70, '5': 70, '6': 60,
	'7': 60, '8': 60, '9': 60,
}
